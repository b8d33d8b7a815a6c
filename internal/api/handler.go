// Package api provides the HTTP control surface for the bot.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/wabot/internal/domain"
	"github.com/ashureev/wabot/internal/identity"
	"github.com/ashureev/wabot/internal/session"
	"github.com/ashureev/wabot/internal/stats"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 64 << 10

// SessionController is the part of the session manager the control surface
// drives.
type SessionController interface {
	Status() session.Status
	QR() (session.PairingCode, bool)
	Relink(ctx context.Context) error
	HardLogout(ctx context.Context) error
	Send(ctx context.Context, to, text string) (session.SendResult, error)
}

// HistoryClearer deletes a stored conversation.
type HistoryClearer interface {
	ClearHistory(ctx context.Context, number string) (int64, error)
}

// Handler serves the /api routes.
type Handler struct {
	session    SessionController
	history    HistoryClearer
	stats      *stats.Collector
	aiProvider string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHandler creates the control surface handler. limiter throttles manual
// sends; nil disables throttling.
func NewHandler(sess SessionController, history HistoryClearer, collector *stats.Collector, aiProvider string, limiter *rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = stats.New(0)
	}
	return &Handler{
		session:    sess,
		history:    history,
		stats:      collector,
		aiProvider: aiProvider,
		limiter:    limiter,
		logger:     logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{"ok": false, "error": message})
}

// RegisterRoutes mounts the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/qr", h.GetQR)
		r.Get("/qr/raw", h.GetQRRaw)
		r.Get("/qr-status", h.GetQRStatus)
		r.Post("/relink", h.Relink)
		r.Post("/logout", h.Logout)
		r.Post("/send", h.Send)
		r.Post("/clear-history", h.ClearHistory)
	})
}

// StatusResponse is the body of GET /api/status and of live updates.
type StatusResponse struct {
	Connected       bool           `json:"connected"`
	HasQR           bool           `json:"hasQR"`
	DeviceID        *string        `json:"deviceId"`
	State           session.State  `json:"state"`
	ConnectedSince  *time.Time     `json:"connectedSince,omitempty"`
	QRAttempts      int            `json:"qrAttempts"`
	StartInProgress bool           `json:"startInProgress"`
	AIProvider      string         `json:"aiProvider"`
	Stats           stats.Snapshot `json:"stats"`
}

// StatusPayload builds a StatusResponse from st.
func (h *Handler) StatusPayload(st session.Status) StatusResponse {
	resp := StatusResponse{
		Connected:       st.Connected,
		HasQR:           st.HasQR,
		State:           st.State,
		QRAttempts:      st.QRAttempts,
		StartInProgress: st.StartInProgress,
		AIProvider:      h.aiProvider,
		Stats:           h.stats.Snapshot(),
	}
	if st.DeviceID != "" {
		id := st.DeviceID
		resp.DeviceID = &id
	}
	if !st.ConnectedSince.IsZero() {
		since := st.ConnectedSince
		resp.ConnectedSince = &since
	}
	return resp
}

// GetStatus reports the session state and dashboard counters.
func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.StatusPayload(h.session.Status()))
}

// GetQR returns the current pairing code as a PNG.
func (h *Handler) GetQR(w http.ResponseWriter, _ *http.Request) {
	code, ok := h.session.QR()
	if !ok || len(code.PNG) == 0 {
		Error(w, http.StatusNotFound, "no active QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(code.PNG); err != nil {
		h.logger.Debug("Failed to write QR image", "error", err)
	}
}

// GetQRRaw returns the current pairing code as text for terminal rendering.
func (h *Handler) GetQRRaw(w http.ResponseWriter, _ *http.Request) {
	code, ok := h.session.QR()
	if !ok {
		Error(w, http.StatusNotFound, "no active QR code")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"code":     code.Raw,
		"attempt":  code.Attempt,
		"issuedAt": code.IssuedAt,
	})
}

// GetQRStatus reports whether a pairing code is waiting to be scanned.
func (h *Handler) GetQRStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.session.Status()
	JSON(w, http.StatusOK, map[string]interface{}{
		"hasQR":     st.HasQR,
		"connected": st.Connected,
		"retries":   st.QRAttempts,
	})
}

// Relink wipes credentials and starts a fresh pairing.
func (h *Handler) Relink(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Relink requested", "operator", identity.OperatorFromContext(r.Context()), "ip", identity.IPFromRequest(r))

	if err := h.session.Relink(r.Context()); err != nil {
		h.logger.Error("Relink failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"message": "Relink requested. Load /api/qr to see the new QR code.",
	})
}

// Logout unlinks the device remotely, wipes credentials and starts a fresh
// pairing.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Logout requested", "operator", identity.OperatorFromContext(r.Context()), "ip", identity.IPFromRequest(r))

	if err := h.session.HardLogout(r.Context()); err != nil {
		h.logger.Error("Logout failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"message": "Logout complete. A new QR code will be available at /api/qr.",
	})
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send delivers a manual message.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "required fields: to, text")
		return
	}
	jid := domain.NumberToJID(req.To)
	if jid == "" {
		Error(w, http.StatusBadRequest, "invalid recipient")
		return
	}

	if h.limiter != nil && !h.limiter.Allow() {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	res, err := h.session.Send(r.Context(), jid, req.Text)
	if errors.Is(err, session.ErrNotConnected) {
		Error(w, http.StatusServiceUnavailable, "session not connected")
		return
	}
	if err != nil {
		h.logger.Error("Manual send failed", "to", jid, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("Manual message sent", "to", jid, "operator", identity.OperatorFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "messageId": res.MessageID})
}

type clearHistoryRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// ClearHistory deletes the stored conversation with a contact.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	var req clearHistoryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		Error(w, http.StatusBadRequest, "required field: phoneNumber")
		return
	}

	deleted, err := h.history.ClearHistory(r.Context(), req.PhoneNumber)
	if err != nil {
		h.logger.Error("Failed to clear history", "phone", req.PhoneNumber, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("History cleared", "phone", req.PhoneNumber, "deleted", deleted)
	JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "deleted": deleted})
}
