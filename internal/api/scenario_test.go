//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wabot/internal/credentials"
	"github.com/ashureev/wabot/internal/session"
	"github.com/ashureev/wabot/internal/stats"
	"github.com/go-chi/chi/v5"
)

type scriptConn struct {
	handler session.EventHandler
	mu      sync.Mutex
	closed  bool
}

func (c *scriptConn) Send(context.Context, string, string) (session.SendResult, error) {
	return session.SendResult{MessageID: "wamid-ok"}, nil
}

func (c *scriptConn) Logout(context.Context) error { return nil }

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type scriptTransport struct {
	mu    sync.Mutex
	conns []*scriptConn
}

func (s *scriptTransport) Open(_ context.Context, _ []byte, handler session.EventHandler) (session.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &scriptConn{handler: handler}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *scriptTransport) latest() *scriptConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *scriptTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newScenario(t *testing.T) (*session.Manager, *scriptTransport, *credentials.FileStore, http.Handler) {
	t.Helper()
	creds, err := credentials.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	tr := &scriptTransport{}
	mgr := session.NewManager(tr, creds, session.Config{WatchdogTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	r := chi.NewRouter()
	NewHandler(mgr, &fakeHistory{}, stats.New(10), "echo", nil, nil).RegisterRoutes(r)
	return mgr, tr, creds, r
}

func TestScenarioPairingThenConnected(t *testing.T) {
	mgr, tr, _, router := newScenario(t)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	tr.latest().handler(session.QREvent("ABC123"))
	eventually(t, func() bool { return mgr.Status().State == session.StateQRPending })

	rec := do(t, router, http.MethodGet, "/api/qr", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected QR image, got %d", rec.Code)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("expected PNG signature")
	}

	tr.latest().handler(session.OpenEvent("5511:1@s.whatsapp.net"))
	eventually(t, func() bool { return mgr.Status().State == session.StateConnected })

	if rec := do(t, router, http.MethodGet, "/api/qr", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 once connected, got %d", rec.Code)
	}
	got := decode(t, do(t, router, http.MethodGet, "/api/status", ""))
	if got["connected"] != true || got["hasQR"] != false {
		t.Errorf("unexpected status %v", got)
	}

	send := do(t, router, http.MethodPost, "/api/send", `{"to":"5511","text":"hola"}`)
	if send.Code != http.StatusOK {
		t.Fatalf("expected send to succeed, got %d", send.Code)
	}
}

func TestScenarioRelinkWhileConnected(t *testing.T) {
	mgr, tr, creds, router := newScenario(t)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := tr.latest()
	first.handler(session.CredentialsEvent([]byte("paired")))
	first.handler(session.OpenEvent("5511:1@s.whatsapp.net"))
	eventually(t, func() bool { return mgr.Status().State == session.StateConnected })

	if rec := do(t, router, http.MethodPost, "/api/relink", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected relink to succeed, got %d", rec.Code)
	}

	loaded, err := creds.Load(context.Background())
	if err != nil || loaded != nil {
		t.Errorf("expected wiped credentials, got %q (%v)", loaded, err)
	}
	if tr.count() != 2 {
		t.Fatalf("expected a fresh connection attempt, got %d opens", tr.count())
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("expected the old connection to be closed")
	}

	if rec := do(t, router, http.MethodPost, "/api/send", `{"to":"5511","text":"hola"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while re-pairing, got %d", rec.Code)
	}
}
