// Package notify delivers bid invitations (portal link plus PIN) to suppliers.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	SignatureHeader   = "X-Bidportal-Signature"
	IdempotencyHeader = "Idempotency-Key"
	EventHeader       = "X-Bidportal-Event"

	EventBidInvitation = "bid.invitation"
)

// Message is one invitation. PIN is plaintext and must never be logged.
type Message struct {
	IdempotencyKey string     `json:"-"`
	RecipientEmail string     `json:"recipient_email"`
	SupplierName   string     `json:"supplier_name"`
	CompanyName    string     `json:"company_name"`
	ProjectName    string     `json:"project_name"`
	Title          string     `json:"title"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	PortalURL      string     `json:"portal_url"`
	PIN            string     `json:"pin"`
}

// Dispatcher sends a message and reports only success or failure. Receivers
// must treat IdempotencyKey as a dedupe key, since delivery is at-least-once.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// IdempotencyKey derives a stable key for one (token, pin) pair so a retried
// delivery of the same credentials dedupes, while a reissue does not.
func IdempotencyKey(secret []byte, token, pin string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	mac.Write([]byte{0})
	mac.Write([]byte(pin))
	return "bidinv_" + hex.EncodeToString(mac.Sum(nil))[:32]
}

// Sign returns the signature header value for body.
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookDispatcher POSTs signed JSON to a mail relay endpoint.
type WebhookDispatcher struct {
	url        string
	secret     []byte
	httpClient *http.Client
	logger     *zap.Logger
}

func NewWebhookDispatcher(url string, secret []byte, timeout time.Duration, logger *zap.Logger) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (d *WebhookDispatcher) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(struct {
		Event string `json:"event"`
		Message
	}{Event: EventBidInvitation, Message: msg})
	if err != nil {
		return fmt.Errorf("encode invitation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, EventBidInvitation)
	req.Header.Set(SignatureHeader, Sign(d.secret, body))
	if msg.IdempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, msg.IdempotencyKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver invitation: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver invitation: relay returned %d", resp.StatusCode)
	}

	d.logger.Info("Bid invitation delivered",
		zap.String("supplier", msg.SupplierName),
		zap.String("idempotency_key", msg.IdempotencyKey),
	)
	return nil
}

// ErrNoRelay is returned by LogDispatcher: the invitation was logged but not
// delivered, so the recipient stays retryable.
var ErrNoRelay = errors.New("notify: no relay configured, invitation not delivered")

// LogDispatcher only logs the invitation, without the PIN. Used when no relay
// is configured. Every Send reports ErrNoRelay.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(_ context.Context, msg Message) error {
	d.logger.Warn("No notification relay configured, invitation not delivered",
		zap.String("supplier", msg.SupplierName),
		zap.String("email", msg.RecipientEmail),
		zap.String("title", msg.Title),
		zap.String("idempotency_key", msg.IdempotencyKey),
	)
	return ErrNoRelay
}
