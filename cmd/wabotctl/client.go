package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// status mirrors the server's status payload.
type status struct {
	Connected       bool       `json:"connected"`
	HasQR           bool       `json:"hasQR"`
	DeviceID        *string    `json:"deviceId"`
	State           string     `json:"state"`
	ConnectedSince  *time.Time `json:"connectedSince"`
	QRAttempts      int        `json:"qrAttempts"`
	StartInProgress bool       `json:"startInProgress"`
	AIProvider      string     `json:"aiProvider"`
	Stats           struct {
		TotalMessages  int64 `json:"totalMessages"`
		TotalChats     int   `json:"totalChats"`
		AIResponses    int64 `json:"aiResponses"`
		Dropped        int64 `json:"dropped"`
		RecentActivity []struct {
			Type        string    `json:"type"`
			Description string    `json:"description"`
			Timestamp   time.Time `json:"timestamp"`
		} `json:"recentActivity"`
	} `json:"stats"`
}

type rawQR struct {
	Code    string `json:"code"`
	Attempt int    `json:"attempt"`
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// client talks to the control surface.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) Status(ctx context.Context) (status, error) {
	var st status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

func (c *client) RawQR(ctx context.Context) (rawQR, error) {
	var qr rawQR
	err := c.do(ctx, http.MethodGet, "/api/qr/raw", nil, &qr)
	return qr, err
}

func (c *client) QRImage(ctx context.Context, w io.Writer) error {
	return c.do(ctx, http.MethodGet, "/api/qr", nil, w)
}

func (c *client) Relink(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/api/relink", nil, &resp)
	return resp.Message, err
}

func (c *client) Logout(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/api/logout", nil, &resp)
	return resp.Message, err
}

func (c *client) Send(ctx context.Context, to, text string) (string, error) {
	var resp struct {
		MessageID string `json:"messageId"`
	}
	err := c.do(ctx, http.MethodPost, "/api/send", map[string]string{"to": to, "text": text}, &resp)
	return resp.MessageID, err
}

func (c *client) ClearHistory(ctx context.Context, number string) (int64, error) {
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodPost, "/api/clear-history", map[string]string{"phoneNumber": number}, &resp)
	return resp.Deleted, err
}

// Watch opens the live status stream.
func (c *client) Watch(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.base + "/ws/status")
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	ws, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("dial status stream: %w", err)
	}
	return ws, nil
}
