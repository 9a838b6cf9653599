package api

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookVerifier authenticates notification bodies
type WebhookVerifier interface {
	Verify(ctx context.Context, signature string, body []byte) error
}

// HandleWebhook accepts signed platform notifications
func HandleWebhook(verifier WebhookVerifier, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, log, apierror.Wrap(apierror.KindValidation, err, "Invalid request body"))
			return
		}

		if err := verifier.Verify(r.Context(), r.Header.Get(webhook.SignatureHeader), body); err != nil {
			log.Warn("webhook rejected", zap.Error(err))
			writeError(w, log, err)
			return
		}

		event, err := webhook.ParseEvent(body)
		if err != nil {
			writeError(w, log, err)
			return
		}

		log.Info("webhook received",
			zap.String("type", event.Type),
			zap.String("event_id", event.EventID),
			zap.String("merchant_id", event.MerchantID),
		)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
