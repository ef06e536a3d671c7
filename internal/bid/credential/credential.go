// Package credential issues portal access tokens and PINs and verifies PINs
// against their stored digests.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	tokenBytes = 32
	saltBytes  = 16
	pinDigits  = 6
	pinSpace   = 1000000

	// largest multiple of pinSpace that fits in a uint32; draws at or above it
	// are rejected so every PIN is equally likely.
	pinRejectAbove = (1 << 32) / pinSpace * pinSpace

	digestScheme = "h1"
)

// ErrMalformedDigest is returned when a stored digest cannot be parsed.
var ErrMalformedDigest = errors.New("malformed pin digest")

// Credentials is the output of one issuance. PIN is plaintext and must only be
// handed to the notification path; PINDigest is what gets persisted.
type Credentials struct {
	Token     string
	PIN       string
	PINDigest string
}

// Issuer generates tokens and PINs from an injected random source and keys PIN
// digests with a server secret.
type Issuer struct {
	rand   io.Reader
	secret []byte
}

// NewIssuer returns an Issuer. A nil source means crypto/rand.
func NewIssuer(secret []byte, source io.Reader) *Issuer {
	if source == nil {
		source = rand.Reader
	}
	return &Issuer{rand: source, secret: append([]byte(nil), secret...)}
}

// Issue creates a fresh token and PIN pair.
func (i *Issuer) Issue() (*Credentials, error) {
	token, err := i.NewToken()
	if err != nil {
		return nil, err
	}
	pin, err := i.NewPIN()
	if err != nil {
		return nil, err
	}
	digest, err := i.Digest(pin)
	if err != nil {
		return nil, err
	}
	return &Credentials{Token: token, PIN: pin, PINDigest: digest}, nil
}

// NewToken returns 256 bits of randomness, base64url encoded without padding.
func (i *Issuer) NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewPIN returns a uniformly distributed 6-digit numeric code.
func (i *Issuer) NewPIN() (string, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(i.rand, buf[:]); err != nil {
			return "", fmt.Errorf("read pin entropy: %w", err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		if n >= pinRejectAbove {
			continue
		}
		return fmt.Sprintf("%0*d", pinDigits, n%pinSpace), nil
	}
}

// Digest returns "h1$<salt>$<mac>" where mac = HMAC-SHA256(secret, salt||pin).
func (i *Issuer) Digest(pin string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(i.rand, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	mac := i.mac(salt, pin)
	return strings.Join([]string{
		digestScheme,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(mac),
	}, "$"), nil
}

// Verify reports whether pin matches digest. The MAC comparison is constant
// time; a malformed digest still performs one MAC so timing is uniform.
func (i *Issuer) Verify(pin, digest string) bool {
	salt, want, err := parseDigest(digest)
	if err != nil {
		salt = make([]byte, saltBytes)
		want = nil
	}
	got := i.mac(salt, pin)
	return hmac.Equal(got, want) && err == nil
}

func (i *Issuer) mac(salt []byte, pin string) []byte {
	h := hmac.New(sha256.New, i.secret)
	h.Write(salt)
	h.Write([]byte(pin))
	return h.Sum(nil)
}

func parseDigest(digest string) (salt, mac []byte, err error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 3 || parts[0] != digestScheme {
		return nil, nil, ErrMalformedDigest
	}
	if salt, err = base64.RawStdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, ErrMalformedDigest
	}
	if mac, err = base64.RawStdEncoding.DecodeString(parts[2]); err != nil {
		return nil, nil, ErrMalformedDigest
	}
	return salt, mac, nil
}

// ValidPINFormat reports whether s is exactly six ASCII digits.
func ValidPINFormat(s string) bool {
	if len(s) != pinDigits {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// TokenHash is a stable, non-reversible key for a token, used wherever the
// token itself must not be stored (rate limit counters, logs).
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// TokenPrefix returns the first 8 characters of a token for log correlation.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
