package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one push connection. ReadMessage blocks until a frame arrives, the
// peer closes, or Close is called.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens push connections. The production dialer speaks WebSocket;
// tests inject fakes.
type Dialer interface {
	DialContext(ctx context.Context, endpoint string) (Conn, error)
}

type wsDialer struct {
	dialer websocket.Dialer
}

// NewWSDialer returns the gorilla/websocket-backed production dialer.
func NewWSDialer() Dialer {
	return &wsDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
	}
}

func (d *wsDialer) DialContext(ctx context.Context, endpoint string) (Conn, error) {
	endpoint, err := normalizeStreamURL(endpoint)
	if err != nil {
		return nil, err
	}
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("stream dial failed: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// normalizeStreamURL maps http(s) endpoints onto their ws(s) equivalents.
func normalizeStreamURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("stream url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
