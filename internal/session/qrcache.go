package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
)

// qrScale is the pixel size of one QR module in rendered PNGs.
const qrScale = 6

// PairingCode is one pairing challenge issued by the transport.
type PairingCode struct {
	Raw      string
	PNG      []byte
	IssuedAt time.Time
	Attempt  int
}

// QRCache holds the most recent pairing code. A new code replaces the old
// one; the attempt counter only grows.
type QRCache struct {
	mu       sync.RWMutex
	current  *PairingCode
	attempts int
	render   func(string) ([]byte, error)
}

// NewQRCache creates an empty cache rendering PNGs with go-qrcode.
func NewQRCache() *QRCache {
	return &QRCache{render: RenderPNG}
}

// RenderPNG encodes a pairing code as a PNG image with go-qrcode's standard
// four-module quiet zone.
func RenderPNG(raw string) ([]byte, error) {
	q, err := qrcode.New(raw, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	png, err := q.PNG(-qrScale)
	if err != nil {
		return nil, fmt.Errorf("render qr png: %w", err)
	}
	return png, nil
}

// Set replaces the cached code. When rendering fails the raw code is still
// cached without an image and the error is returned.
func (c *QRCache) Set(raw string) (PairingCode, error) {
	png, renderErr := c.render(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	code := PairingCode{
		Raw:      raw,
		PNG:      png,
		IssuedAt: time.Now(),
		Attempt:  c.attempts,
	}
	c.current = &code
	return code, renderErr
}

// Clear drops the cached code.
func (c *QRCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
}

// Current returns the cached code, if any.
func (c *QRCache) Current() (PairingCode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return PairingCode{}, false
	}
	return *c.current, true
}

// Attempts returns how many codes have been issued since process start.
func (c *QRCache) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}
