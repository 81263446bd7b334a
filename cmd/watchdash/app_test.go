package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"

	"github.com/jianxcao/watch-docker/internal/config"
	"github.com/jianxcao/watch-docker/internal/connection"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchdash.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func envelope(t *testing.T, data any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"code": 0, "msg": "success", "data": data})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestLoadConfig_Defaults(t *testing.T) {
	a := &app{v: viper.New()}
	cfg, err := a.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Server.URL != config.DefaultServerURL {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Poller.Enabled || cfg.Metrics.Enabled || cfg.Database.Enabled {
		t.Error("optional components should be disabled by default")
	}
}

func TestLoadConfig_OverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  url: http://file.example.com:8080
auth:
  token: file-token
logging:
  format: json
`)
	a := &app{v: viper.New()}
	a.v.Set("config", path)
	a.v.Set("server", "https://flag.example.com")
	a.v.Set("token-file", "/run/secrets/watchdash")
	a.v.Set("poll", true)
	a.v.Set("metrics-port", 9191)

	cfg, err := a.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Server.URL != "https://flag.example.com" {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Auth.Token != "" || cfg.Auth.TokenFile != "/run/secrets/watchdash" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json from file", cfg.Logging.Format)
	}
	if !cfg.Poller.Enabled {
		t.Error("poll flag should enable the poller")
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Port != 9191 {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	a := &app{v: viper.New()}
	a.v.Set("log-level", "loud")
	_, err := a.loadConfig()
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("err = %v, want logging.level error", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	a := &app{v: viper.New()}
	a.v.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := a.loadConfig(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "n", 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["app"] != "watchdash" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	logger = newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "watchdash dev") {
		t.Errorf("output = %q", out)
	}
}

func TestContainersCommand(t *testing.T) {
	auths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/containers":
			select {
			case auths <- r.Header.Get("Authorization"):
			default:
			}
			w.Write(envelope(t, map[string]any{"containers": []map[string]any{
				{"id": "b", "name": "web", "image": "nginx:1.27", "running": true, "status": "UpdateAvailable"},
				{"id": "a", "name": "db", "image": "postgres:16", "running": false, "status": "UpToDate"},
			}}))
		case "/api/v1/containers/stats":
			w.Write(envelope(t, map[string]any{"stats": map[string]any{
				"b": map[string]any{"cpuPercent": 12.5, "memoryUsage": 64000000, "memoryLimit": 128000000},
			}}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	out, err := runRoot(t, "containers", "--server", server.URL, "--token", "secret")
	if err != nil {
		t.Fatalf("containers failed: %v", err)
	}
	if got := <-auths; got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[1], "db ") || !strings.HasPrefix(lines[2], "web ") {
		t.Errorf("rows not sorted by name:\n%s", out)
	}
	for _, want := range []string{"UpdateAvailable", "12.5%", "64MB/128MB", "stopped"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestContainersCommand_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	if _, err := runRoot(t, "containers", "--server", server.URL, "--stats=false"); err == nil {
		t.Fatal("expected error for rejected request")
	}
}

func TestActionCommand(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Write(envelope(t, map[string]any{"ok": true}))
	}))
	defer server.Close()

	out, err := runRoot(t, "containers", "restart", "a", "b", "--server", server.URL)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	want := []string{"POST /api/v1/containers/a/restart", "POST /api/v1/containers/b/restart"}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("paths = %v, want %v", paths, want)
	}
	if out != "restart a\nrestart b\n" {
		t.Errorf("output = %q", out)
	}
}

func TestStreamCommand(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	tokens := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/containers/stats/ws" {
			http.NotFound(w, r)
			return
		}
		select {
		case tokens <- r.URL.Query().Get("token"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"type":"stats","data":{"stats":{"a":{"cpuPercent":1},"b":{"cpuPercent":2}}},"timestamp":100}`,
			`{"type":"containers","data":{"containers":[{"id":"a","running":true}]},"timestamp":101}`,
			`{"type":"stats","data":{"stats":{}},"timestamp":102}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	out, err := runRoot(t, "stream", "--count", "2", "--server", server.URL, "--token", "tok")
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if got := <-tokens; got != "tok" {
		t.Errorf("token = %q", got)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "stats") || !strings.Contains(lines[0], "ts=100") || !strings.Contains(lines[0], "entries=2") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "containers") || !strings.Contains(lines[1], "entries=1") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestStreamCommand_NoCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL)
	}))
	defer server.Close()

	_, err := runRoot(t, "stream", "--count", "1", "--server", server.URL)
	if !errors.Is(err, connection.ErrNoEndpoint) {
		t.Fatalf("stream = %v, want ErrNoEndpoint", err)
	}
}
