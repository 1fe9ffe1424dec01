package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 15 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 25 * time.Second
	pongWait         = 60 * time.Second
)

// frame is the gateway wire format: one JSON object per message.
type frame struct {
	Type        string          `json:"type"`
	User        string          `json:"user,omitempty"`
	Code        int             `json:"code,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	PairingCode string          `json:"pairing_code,omitempty"`
}

// WSClient is the websocket-backed protocol client. One per worker
// process.
type WSClient struct {
	url string

	mu           sync.Mutex
	conn         *websocket.Conn
	creds        []byte
	lastActivity time.Time
	events       chan Event
	pairingCh    chan string
	done         chan struct{}
}

var _ Client = (*WSClient)(nil)

// NewWSClient creates a client for the given gateway URL with the
// given starting credentials (nil when pairing a fresh session).
func NewWSClient(gatewayURL string, creds []byte) *WSClient {
	return &WSClient{
		url:       gatewayURL,
		creds:     creds,
		events:    make(chan Event, 16),
		pairingCh: make(chan string, 1),
	}
}

// Connect dials the gateway, presents the credential blob and starts
// the read pump. It returns once the transport is established; the
// connected/closed lifecycle is reported through Events.
func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.lastActivity = time.Now()
	c.done = make(chan struct{})
	creds := c.creds
	c.mu.Unlock()

	auth := frame{Type: "auth"}
	if len(creds) > 0 {
		auth.Credentials = json.RawMessage(creds)
	}
	if err := c.writeFrame(auth); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	go c.readPump(conn)
	go c.pingLoop(conn)
	return nil
}

// Close tears down the transport. Safe to call repeatedly.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Events returns the connection-state event stream.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Credentials returns the latest serialized session state.
func (c *WSClient) Credentials() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// LastActivity returns the time of the last inbound frame.
func (c *WSClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// RequestPairingCode asks the network for a phone-pairing code.
func (c *WSClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if err := c.writeFrame(frame{Type: "pair", Phone: phone}); err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	select {
	case code := <-c.pairingCh:
		return code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *WSClient) writeFrame(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (c *WSClient) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		c.touch()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.emit(Event{Type: EventClosed, Code: closeCodeFromError(err)})
			return
		}
		c.touch()
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case "connected":
			c.emit(Event{Type: EventConnected, User: f.User})
		case "credentials":
			blob := []byte(f.Credentials)
			c.mu.Lock()
			c.creds = blob
			c.mu.Unlock()
			c.emit(Event{Type: EventCredentials, Credentials: blob})
		case "pairing_code":
			select {
			case c.pairingCh <- f.PairingCode:
			default:
			}
			c.emit(Event{Type: EventPairingCode, PairingCode: f.PairingCode})
		case "closed":
			code := CloseCode(f.Code)
			if code == 0 {
				code = CodeConnectionLost
			}
			c.emit(Event{Type: EventClosed, Code: code})
			return
		}
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *WSClient) emit(ev Event) {
	if ev.Type == EventClosed {
		// The close event ends the consumer's serve loop; losing it
		// would leave the worker waiting on the stall detector. Block
		// until it lands or the client is torn down.
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		select {
		case c.events <- ev:
		case <-done:
		}
		return
	}
	select {
	case c.events <- ev:
	default:
		// A stalled consumer loses intermediate events; never block
		// the read pump on a full buffer.
	}
}

// closeCodeFromError maps a websocket close error to a CloseCode.
func closeCodeFromError(err error) CloseCode {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation:
			return CodeLoggedOut
		case websocket.CloseServiceRestart:
			return CodeRestartRequired
		}
	}
	return CodeConnectionLost
}
