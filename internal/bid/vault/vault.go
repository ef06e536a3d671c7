// Package vault holds plaintext PINs, encrypted and short-lived, so notification
// delivery can be retried without reissuing credentials.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bitfantasy/bidportal/internal/bid/kvstore"
)

// ErrMissing is returned when no PIN is held for a recipient.
var ErrMissing = errors.New("vault: no pin held")

// Vault seals PINs with XChaCha20-Poly1305. The recipient id is bound as
// additional data, so a ciphertext copied to another key will not open.
type Vault struct {
	store kvstore.Store
	key   []byte
	ttl   time.Duration
	rand  io.Reader
}

// New derives a 256-bit key from secret with SHA-256.
func New(store kvstore.Store, secret []byte, ttl time.Duration) (*Vault, error) {
	if len(secret) == 0 {
		return nil, errors.New("vault: empty secret")
	}
	sum := sha256.Sum256(secret)
	return &Vault{store: store, key: sum[:], ttl: ttl, rand: rand.Reader}, nil
}

func key(recipientID string) string { return "pin:vault:" + recipientID }

func (v *Vault) Put(ctx context.Context, recipientID, pin string) error {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(pin)+aead.Overhead())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return fmt.Errorf("vault nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(pin), []byte(recipientID))
	return v.store.Set(ctx, key(recipientID), sealed, v.ttl)
}

func (v *Vault) Get(ctx context.Context, recipientID string) (string, error) {
	sealed, err := v.store.Get(ctx, key(recipientID))
	if errors.Is(err, kvstore.ErrNil) {
		return "", ErrMissing
	}
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", ErrMissing
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(recipientID))
	if err != nil {
		return "", ErrMissing
	}
	return string(plain), nil
}

// Drop removes the held PIN, called once delivery is confirmed or the
// recipient is removed.
func (v *Vault) Drop(ctx context.Context, recipientID string) error {
	return v.store.Del(ctx, key(recipientID))
}
