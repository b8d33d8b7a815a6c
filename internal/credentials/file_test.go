package credentials

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func TestFileStoreLoadMissingReturnsNil(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "auth"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	creds, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if creds != nil {
		t.Fatalf("expected nil credentials, got %q", creds)
	}
}

func TestFileStoreSaveLoadWipe(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "auth")
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	want := []byte(`{"noiseKey":"abc"}`)
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}

	if err := s.Wipe(ctx); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("expected directory to be recreated: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty directory, got %d entries", len(entries))
	}
	got, err = s.Load(ctx)
	if err != nil || got != nil {
		t.Fatalf("expected no credentials after wipe, got %q, %v", got, err)
	}
}

func TestFileStoreEncryptsWithIdentity(t *testing.T) {
	ctx := context.Background()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity failed: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "auth")
	s, err := NewFileStore(dir, WithIdentity(identity))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	secret := []byte("pairing-secret")
	if err := s.Save(ctx, secret); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, encryptedFileName))
	if err != nil {
		t.Fatalf("read encrypted file: %v", err)
	}
	if bytes.Contains(raw, secret) {
		t.Fatal("expected ciphertext not to contain plaintext")
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("expected %q, got %q", secret, got)
	}

	other, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity failed: %v", err)
	}
	wrong, err := NewFileStore(dir, WithIdentity(other))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if _, err := wrong.Load(ctx); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt with wrong identity, got %v", err)
	}
}

func TestLoadIdentityFile(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.txt")
	content := "# created: today\n# public key: " + identity.Recipient().String() + "\n" + identity.String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	got, err := LoadIdentityFile(path)
	if err != nil {
		t.Fatalf("LoadIdentityFile failed: %v", err)
	}
	if got.Recipient().String() != identity.Recipient().String() {
		t.Fatal("expected parsed identity to match")
	}
}
