package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open transport connection.
type Conn interface {
	// ReadMessage blocks until the next data frame arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends a text frame.
	WriteMessage(data []byte) error

	// Ping sends a keepalive control frame.
	Ping() error

	// SetActivityHandler registers fn to run on every control frame the
	// peer sends (ping or pong). It must be called before ReadMessage.
	SetActivityHandler(fn func())

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// GorillaDialer dials WebSocket connections with gorilla/websocket.
type GorillaDialer struct {
	cfg    ClientConfig
	header http.Header
	logger *slog.Logger
}

// NewGorillaDialer creates a dialer. header is sent with every
// handshake and may be nil.
func NewGorillaDialer(cfg ClientConfig, header http.Header, logger *slog.Logger) *GorillaDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GorillaDialer{cfg: cfg, header: header, logger: logger}
}

// Dial establishes the WebSocket connection.
func (d *GorillaDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	for k, vs := range d.header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w (%s)", RedactURL(endpoint), ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", RedactURL(endpoint), err)
	}
	if d.cfg.ReadLimit > 0 {
		conn.SetReadLimit(d.cfg.ReadLimit)
	}

	d.logger.Debug("websocket connected", "url", RedactURL(endpoint))

	return &gorillaConn{conn: conn, writeTimeout: d.cfg.WriteTimeout}, nil
}

// gorillaConn adapts *websocket.Conn to Conn.
type gorillaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(c.deadline())
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), c.deadline())
}

func (c *gorillaConn) SetActivityHandler(fn func()) {
	// Server sends ping, we respond with pong
	c.conn.SetPingHandler(func(data string) error {
		fn()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), c.deadline())
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	// Server responds to our ping
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (c *gorillaConn) Close() error {
	c.closeOnce.Do(func() {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *gorillaConn) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

// RedactURL hides credential query parameters so endpoints can be
// logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	changed := false
	for _, k := range []string{"token", "access_token"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
