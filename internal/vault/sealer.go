// Package vault seals secrets at rest. Payment gateway credentials and
// router management passwords are stored only as ciphertext bound to a
// scope, so a blob sealed for one tenant cannot be opened as another's.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	ScopeRouter = "router"

	localPrefix = "v1:"
)

var ErrMalformed = errors.New("malformed sealed value")

type Sealer interface {
	Seal(ctx context.Context, scope string, plaintext []byte) (string, error)
	Open(ctx context.Context, scope, sealed string) ([]byte, error)
}

// CredentialScope is the sealing scope of a tenant's gateway credentials.
func CredentialScope(tenant string) string {
	return "credentials/" + tenant
}

// LocalSealer derives one XChaCha20-Poly1305 key per scope from a master key.
type LocalSealer struct {
	master []byte
}

// ParseMasterKey decodes a base64 master key of at least 32 bytes.
func ParseMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	if len(key) < chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key: need at least %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

func NewLocalSealer(master []byte) (*LocalSealer, error) {
	if len(master) < chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key too short")
	}
	return &LocalSealer{master: append([]byte(nil), master...)}, nil
}

func (s *LocalSealer) scopeKey(scope string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, s.master, nil, []byte("access-control-plane/"+scope))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *LocalSealer) Seal(_ context.Context, scope string, plaintext []byte) (string, error) {
	key, err := s.scopeKey(scope)
	if err != nil {
		return "", err
	}
	blob, err := sealWithKey(key, scope, plaintext)
	if err != nil {
		return "", err
	}
	return localPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

func (s *LocalSealer) Open(_ context.Context, scope, sealed string) ([]byte, error) {
	if !strings.HasPrefix(sealed, localPrefix) {
		return nil, ErrMalformed
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, localPrefix))
	if err != nil {
		return nil, ErrMalformed
	}
	key, err := s.scopeKey(scope)
	if err != nil {
		return nil, err
	}
	return openWithKey(key, scope, blob)
}

// sealWithKey returns nonce||ciphertext with scope as associated data.
func sealWithKey(key []byte, scope string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(scope)), nil
}

func openWithKey(key []byte, scope string, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ct, []byte(scope))
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return out, nil
}
