package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/casedesk/internal/wire"
)

// Conn is one physical push connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens the push connection for a conversation.
type Dialer interface {
	Dial(ctx context.Context, conversationID string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, conversationID string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, conversationID string) (Conn, error) {
	return f(ctx, conversationID)
}

// WebsocketDialer dials {BaseURL}/ws/{role}/{conversationID}.
type WebsocketDialer struct {
	BaseURL    string
	Role       wire.Role
	HTTPClient *http.Client
}

// NewWebsocketDialer accepts an http(s) or ws(s) base URL.
func NewWebsocketDialer(baseURL string, role wire.Role) *WebsocketDialer {
	return &WebsocketDialer{BaseURL: baseURL, Role: role}
}

// URL returns the endpoint for a conversation.
func (d *WebsocketDialer) URL(conversationID string) string {
	base := strings.TrimRight(d.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + string(d.Role) + "/" + url.PathEscape(conversationID)
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, conversationID string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, d.URL(conversationID), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", conversationID, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws   *websocket.Conn
	once sync.Once
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close is safe to call more than once.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "unsubscribed")
	})
	return err
}
