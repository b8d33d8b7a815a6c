package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

const (
	plainFileName     = "creds.json"
	encryptedFileName = "creds.age"
)

// FileStore keeps credentials in a single file inside an operator-configured
// directory. When an age identity is configured the file is encrypted to that
// identity's recipient.
type FileStore struct {
	dir      string
	identity *age.X25519Identity
	logger   *slog.Logger
	mu       sync.Mutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithIdentity encrypts credentials at rest with the given age identity.
func WithIdentity(identity *age.X25519Identity) Option {
	return func(s *FileStore) { s.identity = identity }
}

// WithLogger sets the logger used for cleanup warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FileStore) { s.logger = logger }
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	s := &FileStore{dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}
	return s, nil
}

// LoadIdentityFile parses an age X25519 identity (AGE-SECRET-KEY-1...) from
// a key file. Comment lines starting with '#' are skipped.
func LoadIdentityFile(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return identity, nil
	}
	return nil, fmt.Errorf("identity file %s contains no key", path)
}

// Dir returns the directory holding the credentials.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path() string {
	if s.identity != nil {
		return filepath.Join(s.dir, encryptedFileName)
	}
	return filepath.Join(s.dir, plainFileName)
}

// Load reads the credentials. A missing file yields (nil, nil).
func (s *FileStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if s.identity == nil {
		return data, nil
	}

	reader, err := age.Decrypt(bytes.NewReader(data), s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting: %v", ErrCorrupt, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading decrypted credentials: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}

// Save atomically replaces the credentials file.
func (s *FileStore) Save(_ context.Context, creds []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := creds
	if s.identity != nil {
		var ciphertext bytes.Buffer
		writer, err := age.Encrypt(&ciphertext, s.identity.Recipient())
		if err != nil {
			return fmt.Errorf("creating age encryptor: %w", err)
		}
		if _, err := writer.Write(creds); err != nil {
			return fmt.Errorf("writing credentials to age encryptor: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("finalizing age encryption: %w", err)
		}
		data = ciphertext.Bytes()
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".creds-*")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close credentials file: %w", err)
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

// Wipe removes the credentials directory and recreates it empty so later
// saves do not trip over missing permissions.
func (s *FileStore) Wipe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Warn("Resetting credentials", "auth_dir", s.dir)
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove credentials directory: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("recreate credentials directory: %w", err)
	}
	return nil
}
