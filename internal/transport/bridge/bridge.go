// Package bridge implements session.Transport over a websocket connection to
// a messaging bridge. The bridge owns the wire protocol; this client speaks a
// small JSON frame protocol to it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/wabot/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Frame types.
const (
	frameHello   = "hello"
	frameSend    = "send"
	frameLogout  = "logout"
	frameQR      = "qr"
	frameOpen    = "open"
	frameClose   = "close"
	frameCreds   = "creds"
	frameMessage = "message"
	frameAck     = "ack"
)

const defaultReadLimit = 1 << 20

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("bridge connection closed")

// frame is the single JSON envelope exchanged with the bridge. Only the
// fields relevant to Type are set.
type frame struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Creds      []byte `json:"creds,omitempty"`
	To         string `json:"to,omitempty"`
	Text       string `json:"text,omitempty"`
	Code       string `json:"code,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Data       []byte `json:"data,omitempty"`
	From       string `json:"from,omitempty"`
	PushName   string `json:"pushName,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) { t.client = client }
}

// Transport dials the bridge.
type Transport struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// New creates a bridge transport for url. A non-empty token is sent as a
// bearer credential during the handshake.
func New(url, token string, opts ...Option) *Transport {
	t := &Transport{url: url, token: token}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Open dials the bridge and sends the hello frame. Events are delivered to
// handler from the read goroutine.
func (t *Transport) Open(ctx context.Context, creds []byte, handler session.EventHandler) (session.Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: t.client}
	if t.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.token}}
	}

	ws, _, err := websocket.Dial(ctx, t.url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", t.url, err)
	}
	ws.SetReadLimit(defaultReadLimit)

	if err := wsjson.Write(ctx, ws, frame{Type: frameHello, Creds: creds}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("send hello: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		handler: handler,
		logger:  t.logger,
		pending: make(map[string]chan frame),
		cancel:  cancel,
	}
	go c.readLoop(readCtx)

	t.logger.Info("Bridge connection opened", "url", t.url, "resumed", creds != nil)
	return c, nil
}

type conn struct {
	ws      *websocket.Conn
	handler session.EventHandler
	logger  *slog.Logger
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
}

// Send implements session.Conn.
func (c *conn) Send(ctx context.Context, to, text string) (session.SendResult, error) {
	ack, err := c.request(ctx, frame{Type: frameSend, To: to, Text: text})
	if err != nil {
		return session.SendResult{}, err
	}
	return session.SendResult{MessageID: ack.MessageID}, nil
}

// Logout implements session.Conn.
func (c *conn) Logout(ctx context.Context) error {
	_, err := c.request(ctx, frame{Type: frameLogout})
	return err
}

// Close implements session.Conn. Closing locally does not emit a close event.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.failPendingLocked()
	c.mu.Unlock()

	c.cancel()
	if err := c.ws.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
		c.logger.Debug("Failed to close bridge websocket", "error", err)
	}
	return nil
}

func (c *conn) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, ErrClosed
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return frame{}, fmt.Errorf("write %s frame: %w", f.Type, err)
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return frame{}, ErrClosed
		}
		if ack.Error != "" {
			return frame{}, fmt.Errorf("bridge rejected %s: %s", f.Type, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		var f frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			c.readFailed(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *conn) dispatch(f frame) {
	switch f.Type {
	case frameQR:
		c.handler(session.QREvent(f.Code))
	case frameOpen:
		c.handler(session.OpenEvent(f.DeviceID))
	case frameClose:
		var err error
		if f.Error != "" {
			err = errors.New(f.Error)
		}
		c.handler(session.CloseEvent(parseReason(f.Reason), f.StatusCode, err))
	case frameCreds:
		c.handler(session.CredentialsEvent(f.Data))
	case frameMessage:
		c.handler(session.MessageEvent(toInbound(f)))
	case frameAck:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		} else {
			c.logger.Debug("Ack for unknown request", "id", f.ID)
		}
	default:
		c.logger.Warn("Unknown bridge frame", "type", f.Type)
	}
}

// readFailed reports an unexpected disconnect unless the connection was
// closed locally.
func (c *conn) readFailed(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.failPendingLocked()
	c.mu.Unlock()

	if wasClosed {
		return
	}

	status := int(websocket.CloseStatus(err))
	c.logger.Warn("Bridge connection lost", "error", err, "status", status)
	c.handler(session.CloseEvent(session.CloseConnectionLost, status, err))
}

func (c *conn) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func parseReason(reason string) session.CloseReason {
	switch r := session.CloseReason(reason); r {
	case session.CloseLoggedOut, session.CloseConnectionLost, session.CloseConflict,
		session.CloseRestartRequired, session.CloseTimedOut:
		return r
	default:
		return session.CloseUnknown
	}
}

func toInbound(f frame) session.InboundMessage {
	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0)
	}
	return session.InboundMessage{
		ID:        f.ID,
		From:      f.From,
		PushName:  f.PushName,
		Text:      f.Text,
		Kind:      parseKind(f.Kind),
		Timestamp: ts,
	}
}

func parseKind(kind string) session.MessageKind {
	switch k := session.MessageKind(kind); k {
	case session.MessageText, session.MessageImage, session.MessageDocument, session.MessageAudio:
		return k
	case "":
		return session.MessageText
	default:
		return session.MessageOther
	}
}
