// Package auth provides bearer tokens for the watch-docker API.
//
// Login is out of scope: a token is configured directly or read from a
// file that an external process keeps fresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrEmptyToken is returned when no token is available.
var ErrEmptyToken = errors.New("auth: token is empty")

// TokenSource supplies the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token returns the token, or ErrEmptyToken when it is blank.
func (s StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrEmptyToken
	}
	return strings.TrimSpace(string(s)), nil
}

// Header returns the Authorization header for src. A nil source yields
// an empty header.
func Header(ctx context.Context, src TokenSource) (http.Header, error) {
	h := http.Header{}
	if src == nil {
		return h, nil
	}
	token, err := src.Token(ctx)
	if err != nil {
		return nil, err
	}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// FileTokenSource reads a token from a file and reloads it when the file
// changes. The parent directory is watched so atomic renames are seen.
type FileTokenSource struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	token     string
	listeners []func(string)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFileTokenSource loads path and starts watching it.
func NewFileTokenSource(path string, logger *slog.Logger) (*FileTokenSource, error) {
	if path == "" {
		return nil, fmt.Errorf("token file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve token path: %w", err)
	}

	token, err := readToken(abs)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	s := &FileTokenSource{
		path:    abs,
		logger:  logger,
		watcher: watcher,
		token:   token,
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Token returns the most recently loaded token.
func (s *FileTokenSource) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrEmptyToken
	}
	return s.token, nil
}

// OnChange registers fn to be called with each new token.
func (s *FileTokenSource) OnChange(fn func(token string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Close stops watching. Safe to call more than once.
func (s *FileTokenSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *FileTokenSource) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("token watcher error", "path", s.path, "error", err)
		}
	}
}

func (s *FileTokenSource) reload() {
	token, err := readToken(s.path)
	if err != nil {
		// Writers often truncate before writing; keep the old token.
		s.logger.Debug("token reload skipped", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}
	s.token = token
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Info("token reloaded", "path", s.path)
	for _, fn := range listeners {
		fn(token)
	}
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}
