package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"devlink/internal/token"
)

const (
	defaultWebsocketPort      = "4000"
	devtoolsSocketPath        = "/devtools/websocket"
	websocketTokenSalt        = "devtools socket"
	defaultHandshakeTimeout   = 10 * time.Second
	defaultWebsocketWriteWait = 10 * time.Second
)

// WebsocketConfig describes a token-authenticated socket endpoint. The
// shared secret is a read-only input; a fresh token is signed for every
// connection attempt.
type WebsocketConfig struct {
	Host             string // host or host:port
	Secret           string // shared secret for token signing
	Identity         string // payload embedded in the signed token
	TLS              bool
	HandshakeTimeout time.Duration
}

// WebsocketTransport speaks the device tools protocol over a websocket.
// One websocket message carries exactly one envelope, so no extra framing
// is applied.
type WebsocketTransport struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebsocketTransport(cfg WebsocketConfig) *WebsocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Identity == "" {
		cfg.Identity = "devlink"
	}
	return &WebsocketTransport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

func (t *WebsocketTransport) Name() string {
	return "websocket"
}

func (t *WebsocketTransport) StatusTarget() string {
	addr, err := hostPort(t.cfg.Host, defaultWebsocketPort)
	if err != nil {
		return ""
	}
	return addr
}

func (t *WebsocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("websocket", "target", t.StatusTarget())
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")
		return nil
	}

	endpoint, err := t.endpoint()
	if err != nil {
		logger.Warn("connect failed", "error", err)
		return err
	}

	logger.Info("connecting")
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial: %w (http %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("websocket dial: %w", err)
		}
		logger.Warn("connect failed", "error", err)
		return err
	}
	t.conn = conn
	logger.Info("connected", "remote", conn.RemoteAddr().String())
	return nil
}

func (t *WebsocketTransport) endpoint() (string, error) {
	addr, err := hostPort(t.cfg.Host, defaultWebsocketPort)
	if err != nil {
		return "", err
	}

	signed, err := token.Sign(t.cfg.Secret, websocketTokenSalt, t.cfg.Identity, token.DigestSHA256, token.Options{})
	if err != nil {
		return "", fmt.Errorf("sign connection token: %w", err)
	}

	scheme := "ws"
	if t.cfg.TLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: devtoolsSocketPath}
	q := u.Query()
	q.Set("token", signed)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("websocket", "target", t.StatusTarget())
	if t.conn == nil {
		logger.Debug("close skipped: not connected")
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		logger.Warn("close failed", "error", err)
		return err
	}
	logger.Info("closed")
	return nil
}

func (t *WebsocketTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	logger := transportLogger("websocket")
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		logger.Debug("read frame failed", "error", err)
		return nil, err
	}
	logger.Debug("read frame", "len", len(payload))
	return payload, nil
}

func (t *WebsocketTransport) WriteFrame(ctx context.Context, payload []byte) error {
	logger := transportLogger("websocket")
	conn, err := t.currentConn()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWebsocketWriteWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		logger.Warn("write frame failed", "payload_len", len(payload), "error", err)
		return fmt.Errorf("write frame: %w", err)
	}
	logger.Debug("write frame", "payload_len", len(payload))
	return nil
}

func (t *WebsocketTransport) currentConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}
