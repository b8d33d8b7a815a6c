//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wabot/internal/session"
	"github.com/ashureev/wabot/internal/stats"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

type fakeController struct {
	mu        sync.Mutex
	status    session.Status
	qr        *session.PairingCode
	relinks   int
	logouts   int
	relinkErr error
	sendErr   error
	sent      []string
}

func (f *fakeController) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) QR() (session.PairingCode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.qr == nil {
		return session.PairingCode{}, false
	}
	return *f.qr, true
}

func (f *fakeController) Relink(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relinks++
	return f.relinkErr
}

func (f *fakeController) HardLogout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeController) Send(_ context.Context, to, text string) (session.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return session.SendResult{}, f.sendErr
	}
	f.sent = append(f.sent, to+"|"+text)
	return session.SendResult{MessageID: "wamid-1"}, nil
}

type fakeHistory struct {
	cleared []string
	err     error
}

func (f *fakeHistory) ClearHistory(_ context.Context, number string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.cleared = append(f.cleared, number)
	return 3, nil
}

func newTestRouter(ctrl SessionController, history HistoryClearer, limiter *rate.Limiter) http.Handler {
	r := chi.NewRouter()
	NewHandler(ctrl, history, stats.New(10), "echo", limiter, nil).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return got
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusTeapot, "nope")

	got := decode(t, w)
	if w.Code != http.StatusTeapot || got["ok"] != false || got["error"] != "nope" {
		t.Errorf("unexpected error body %v (status %d)", got, w.Code)
	}
}

func TestGetStatus(t *testing.T) {
	since := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ctrl := &fakeController{status: session.Status{
		State:          session.StateConnected,
		Connected:      true,
		DeviceID:       "5511:3@s.whatsapp.net",
		ConnectedSince: since,
		QRAttempts:     2,
	}}

	rec := do(t, newTestRouter(ctrl, &fakeHistory{}, nil), http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode(t, rec)
	if got["connected"] != true || got["hasQR"] != false || got["state"] != "connected" {
		t.Errorf("unexpected status %v", got)
	}
	if got["deviceId"] != "5511:3@s.whatsapp.net" || got["aiProvider"] != "echo" {
		t.Errorf("unexpected device/provider %v", got)
	}
	if _, ok := got["stats"].(map[string]interface{}); !ok {
		t.Errorf("expected stats object, got %T", got["stats"])
	}
}

func TestGetStatusNullDevice(t *testing.T) {
	ctrl := &fakeController{status: session.Status{State: session.StateIdle}}
	got := decode(t, do(t, newTestRouter(ctrl, &fakeHistory{}, nil), http.MethodGet, "/api/status", ""))

	if v, ok := got["deviceId"]; !ok || v != nil {
		t.Errorf("expected deviceId null, got %v", v)
	}
	if _, ok := got["connectedSince"]; ok {
		t.Error("expected connectedSince omitted while idle")
	}
}

func TestGetQR(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestRouter(ctrl, &fakeHistory{}, nil)

	if rec := do(t, router, http.MethodGet, "/api/qr", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without QR, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/api/qr/raw", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 raw without QR, got %d", rec.Code)
	}

	ctrl.qr = &session.PairingCode{Raw: "2@abc", PNG: []byte("\x89PNGdata"), Attempt: 1}
	rec := do(t, router, http.MethodGet, "/api/qr", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("expected PNG, got %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "\x89PNGdata" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	raw := decode(t, do(t, router, http.MethodGet, "/api/qr/raw", ""))
	if raw["code"] != "2@abc" || raw["attempt"] != float64(1) {
		t.Errorf("unexpected raw QR %v", raw)
	}
}

func TestGetQRStatus(t *testing.T) {
	ctrl := &fakeController{status: session.Status{HasQR: true, QRAttempts: 4}}
	got := decode(t, do(t, newTestRouter(ctrl, &fakeHistory{}, nil), http.MethodGet, "/api/qr-status", ""))

	if got["hasQR"] != true || got["connected"] != false || got["retries"] != float64(4) {
		t.Errorf("unexpected qr-status %v", got)
	}
}

func TestRelinkAndLogout(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestRouter(ctrl, &fakeHistory{}, nil)

	if rec := do(t, router, http.MethodPost, "/api/relink", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/api/logout", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ctrl.relinks != 1 || ctrl.logouts != 1 {
		t.Errorf("expected one relink and one logout, got %d/%d", ctrl.relinks, ctrl.logouts)
	}

	ctrl.relinkErr = session.ErrStopped
	rec := do(t, router, http.MethodPost, "/api/relink", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decode(t, rec); got["ok"] != false {
		t.Errorf("expected ok=false, got %v", got)
	}
}

func TestSend(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		sendErr error
		want    int
	}{
		{"missing text", `{"to":"5511"}`, nil, http.StatusBadRequest},
		{"missing to", `{"text":"hi"}`, nil, http.StatusBadRequest},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"bad recipient", `{"to":"abc","text":"hi"}`, nil, http.StatusBadRequest},
		{"not connected", `{"to":"5511","text":"hi"}`, session.ErrNotConnected, http.StatusServiceUnavailable},
		{"transport error", `{"to":"5511","text":"hi"}`, errors.New("timeout"), http.StatusInternalServerError},
		{"ok", `{"to":"+55 11","text":"hi"}`, nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{sendErr: tt.sendErr}
			rec := do(t, newTestRouter(ctrl, &fakeHistory{}, nil), http.MethodPost, "/api/send", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusOK {
				if len(ctrl.sent) != 1 || ctrl.sent[0] != "5511@s.whatsapp.net|hi" {
					t.Errorf("unexpected sends %v", ctrl.sent)
				}
			}
		})
	}
}

func TestSendRateLimited(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestRouter(ctrl, &fakeHistory{}, rate.NewLimiter(rate.Every(time.Hour), 1))

	body := `{"to":"5511","text":"hi"}`
	if rec := do(t, router, http.MethodPost, "/api/send", body); rec.Code != http.StatusOK {
		t.Fatalf("expected first send allowed, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/api/send", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestClearHistory(t *testing.T) {
	history := &fakeHistory{}
	router := newTestRouter(&fakeController{}, history, nil)

	if rec := do(t, router, http.MethodPost, "/api/clear-history", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec := do(t, router, http.MethodPost, "/api/clear-history", `{"phoneNumber":"5511"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode(t, rec)
	if got["ok"] != true || got["deleted"] != float64(3) {
		t.Errorf("unexpected body %v", got)
	}
	if len(history.cleared) != 1 || history.cleared[0] != "5511" {
		t.Errorf("unexpected clears %v", history.cleared)
	}

	history.err = errors.New("invalid phone number")
	if rec := do(t, router, http.MethodPost, "/api/clear-history", `{"phoneNumber":"x"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	ctrl := &fakeController{status: session.Status{State: session.StateQRPending}}

	r := chi.NewRouter()
	NewHealthHandler(fakePinger{}, ctrl).RegisterHealth(r)
	rec := do(t, r, http.MethodGet, "/health", "")
	got := decode(t, rec)
	checks := got["checks"].(map[string]interface{})
	if rec.Code != http.StatusOK || got["status"] != "healthy" || checks["session"] != "qr_pending" {
		t.Errorf("unexpected health %d %v", rec.Code, got)
	}

	r = chi.NewRouter()
	NewHealthHandler(fakePinger{err: errors.New("locked")}, ctrl).RegisterHealth(r)
	rec = do(t, r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "unreachable") {
		t.Errorf("expected degraded health, got %d %s", rec.Code, rec.Body.String())
	}
}
