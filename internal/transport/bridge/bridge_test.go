package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wabot/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type eventLog struct {
	mu     sync.Mutex
	events []session.Event
}

func (l *eventLog) handle(ev session.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []session.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Event(nil), l.events...)
}

func (l *eventLog) waitFor(t *testing.T, n int) []session.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := l.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", n, len(l.snapshot()))
	return nil
}

// fakeBridge runs script against each accepted connection after reading the
// hello frame.
func fakeBridge(t *testing.T, script func(ctx context.Context, ws *websocket.Conn, hello frame)) (*httptest.Server, *http.Header) {
	t.Helper()
	var mu sync.Mutex
	var header http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		header = r.Header.Clone()
		mu.Unlock()

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer func() { _ = ws.CloseNow() }()

		ctx := r.Context()
		var hello frame
		if err := wsjson.Read(ctx, ws, &hello); err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		script(ctx, ws, hello)
	}))
	t.Cleanup(srv.Close)
	return srv, &header
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestOpenDeliversEvents(t *testing.T) {
	helloCh := make(chan frame, 1)
	srv, header := fakeBridge(t, func(ctx context.Context, ws *websocket.Conn, hello frame) {
		helloCh <- hello
		_ = wsjson.Write(ctx, ws, frame{Type: frameQR, Code: "2@abc"})
		_ = wsjson.Write(ctx, ws, frame{Type: frameCreds, Data: []byte("new-creds")})
		_ = wsjson.Write(ctx, ws, frame{Type: frameOpen, DeviceID: "dev-1"})
		_ = wsjson.Write(ctx, ws, frame{Type: frameMessage, ID: "m1", From: "5511@s.whatsapp.net", Text: "hola", Kind: "image", Timestamp: 1700000000})
		<-ctx.Done()
	})

	log := &eventLog{}
	tr := New(wsURL(srv), "secret")
	c, err := tr.Open(context.Background(), []byte("stored"), log.handle)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	hello := <-helloCh
	if string(hello.Creds) != "stored" {
		t.Errorf("expected stored credentials in hello, got %q", hello.Creds)
	}
	if got := header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", got)
	}

	evs := log.waitFor(t, 4)
	if evs[0].Kind != session.EventQR || evs[0].QR != "2@abc" {
		t.Errorf("unexpected first event %+v", evs[0])
	}
	if evs[1].Kind != session.EventCredentials || string(evs[1].Credentials) != "new-creds" {
		t.Errorf("unexpected credentials event %+v", evs[1])
	}
	if evs[2].Kind != session.EventOpen || evs[2].DeviceID != "dev-1" {
		t.Errorf("unexpected open event %+v", evs[2])
	}
	msg := evs[3].Message
	if evs[3].Kind != session.EventMessage || msg.Text != "hola" || msg.Kind != session.MessageImage {
		t.Errorf("unexpected message event %+v", evs[3])
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Errorf("unexpected timestamp %v", msg.Timestamp)
	}
}

func TestSendWaitsForAck(t *testing.T) {
	srv, _ := fakeBridge(t, func(ctx context.Context, ws *websocket.Conn, _ frame) {
		for {
			var req frame
			if err := wsjson.Read(ctx, ws, &req); err != nil {
				return
			}
			ack := frame{Type: frameAck, ID: req.ID, MessageID: "wamid-" + req.Text}
			if req.Text == "fail" {
				ack = frame{Type: frameAck, ID: req.ID, Error: "recipient not on network"}
			}
			_ = wsjson.Write(ctx, ws, ack)
		}
	})

	c, err := New(wsURL(srv), "").Open(context.Background(), nil, func(session.Event) {})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	res, err := c.Send(context.Background(), "5511@s.whatsapp.net", "hi")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.MessageID != "wamid-hi" {
		t.Errorf("unexpected message id %q", res.MessageID)
	}

	if _, err := c.Send(context.Background(), "5511@s.whatsapp.net", "fail"); err == nil || !strings.Contains(err.Error(), "recipient not on network") {
		t.Errorf("expected bridge rejection, got %v", err)
	}
}

func TestCloseFrameMapsReason(t *testing.T) {
	srv, _ := fakeBridge(t, func(ctx context.Context, ws *websocket.Conn, _ frame) {
		_ = wsjson.Write(ctx, ws, frame{Type: frameClose, Reason: "logged_out", StatusCode: 401})
		_ = wsjson.Write(ctx, ws, frame{Type: frameClose, Reason: "stream_errored", StatusCode: 515})
		<-ctx.Done()
	})

	log := &eventLog{}
	c, err := New(wsURL(srv), "").Open(context.Background(), nil, log.handle)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	evs := log.waitFor(t, 2)
	if evs[0].Close.Reason != session.CloseLoggedOut || evs[0].Close.StatusCode != 401 {
		t.Errorf("unexpected close %+v", evs[0].Close)
	}
	if evs[1].Close.Reason != session.CloseUnknown {
		t.Errorf("expected unknown reason, got %q", evs[1].Close.Reason)
	}
}

func TestRemoteDisconnectReportsConnectionLost(t *testing.T) {
	srv, _ := fakeBridge(t, func(_ context.Context, ws *websocket.Conn, _ frame) {
		_ = ws.Close(websocket.StatusGoingAway, "bridge restarting")
	})

	log := &eventLog{}
	c, err := New(wsURL(srv), "").Open(context.Background(), nil, log.handle)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	evs := log.waitFor(t, 1)
	if evs[0].Kind != session.EventClose || evs[0].Close.Reason != session.CloseConnectionLost {
		t.Errorf("unexpected event %+v", evs[0])
	}
	if evs[0].Close.StatusCode != int(websocket.StatusGoingAway) {
		t.Errorf("expected going-away status, got %d", evs[0].Close.StatusCode)
	}

	if _, err := c.Send(context.Background(), "x", "y"); err == nil {
		t.Error("expected send on lost connection to fail")
	}
}

func TestLocalCloseEmitsNoEvent(t *testing.T) {
	srv, _ := fakeBridge(t, func(ctx context.Context, ws *websocket.Conn, _ frame) {
		var f frame
		_ = wsjson.Read(ctx, ws, &f)
	})

	log := &eventLog{}
	c, err := New(wsURL(srv), "").Open(context.Background(), nil, log.handle)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if evs := log.snapshot(); len(evs) != 0 {
		t.Errorf("expected no events after local close, got %+v", evs)
	}
	if err := c.Logout(context.Background()); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestOpenFailsWhenBridgeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := New(wsURL(srv), "").Open(context.Background(), nil, func(session.Event) {}); err == nil {
		t.Fatal("expected dial error")
	}
}
