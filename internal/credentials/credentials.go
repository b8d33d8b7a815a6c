// Package credentials persists the opaque pairing material the transport
// needs to reconnect without a new QR scan.
package credentials

import (
	"context"
	"errors"
)

// ErrCorrupt is returned by Load when stored material cannot be decoded.
var ErrCorrupt = errors.New("stored credentials are corrupt")

// Store loads, saves and wipes credential material. The session manager never
// inspects the bytes.
type Store interface {
	// Load returns the stored credentials, or nil with no error when none
	// exist and a fresh pairing is required.
	Load(ctx context.Context) ([]byte, error)

	// Save replaces the stored credentials.
	Save(ctx context.Context, creds []byte) error

	// Wipe deletes all stored credentials.
	Wipe(ctx context.Context) error
}
