// Package webhook authenticates platform webhook notifications.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/credentials"
	"github.com/fuomag9/square-bridge/internal/logger"
)

// SignatureHeader carries the notification signature.
const SignatureHeader = "x-square-hmacsha256-signature"

// KeySource supplies the signing key and can drop a cached one after rotation.
type KeySource interface {
	Get(ctx context.Context) (credentials.Credentials, error)
	Invalidate()
}

// Event is the common envelope of a notification.
type Event struct {
	MerchantID string          `json:"merchant_id"`
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	CreatedAt  string          `json:"created_at"`
	Data       json.RawMessage `json:"data"`
}

// Verifier checks notification signatures.
type Verifier struct {
	keys            KeySource
	notificationURL string
	// refetch bounds how often a mismatch may force a key reload.
	refetch *rate.Limiter
	logger  *zap.Logger
}

// NewVerifier creates a Verifier for notifications delivered to
// notificationURL, which must match the URL registered with the platform.
func NewVerifier(keys KeySource, notificationURL string, log *zap.Logger) *Verifier {
	return &Verifier{
		keys:            keys,
		notificationURL: notificationURL,
		refetch:         rate.NewLimiter(rate.Every(time.Minute), 1),
		logger:          logger.OrNop(log),
	}
}

// Sign returns the signature for body under key.
func Sign(key, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body. A mismatch triggers at most one key
// reload per minute in case the key was rotated.
func (v *Verifier) Verify(ctx context.Context, signature string, body []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return apierror.New(apierror.KindAuthentication, "missing webhook signature")
	}

	ok, err := v.check(ctx, signature, body)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if v.refetch.Allow() {
		v.logger.Info("webhook signature mismatch, reloading signing key")
		v.keys.Invalidate()
		if ok, err = v.check(ctx, signature, body); err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return apierror.New(apierror.KindAuthentication, "invalid webhook signature")
}

func (v *Verifier) check(ctx context.Context, signature string, body []byte) (bool, error) {
	creds, err := v.keys.Get(ctx)
	if err != nil {
		return false, err
	}
	if creds.WebhookSigningKey == "" {
		return false, apierror.New(apierror.KindCredentials, "webhook signing key is not configured")
	}
	expected := Sign(creds.WebhookSigningKey, v.notificationURL, body)
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// ParseEvent decodes a verified notification body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "malformed webhook body")
	}
	if ev.Type == "" {
		return nil, apierror.New(apierror.KindValidation, "webhook event has no type")
	}
	return &ev, nil
}
