package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
)

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	// RetryAfter is in seconds.
	RetryAfter               int  `json:"retryAfter,omitempty"`
	RequiresReauthentication bool `json:"requiresReauthentication,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error": {...}} with its status code.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	ae, ok := apierror.As(err)
	if !ok {
		ae = apierror.Wrap(apierror.KindUnknown, err, "internal error")
	}

	status := ae.StatusCode
	if status < 400 || status > 599 {
		status = apierror.DefaultStatus(ae.Kind)
	}
	if status >= 500 {
		log.Error("request failed", zap.String("code", string(ae.Kind)), zap.Error(err))
	}

	body := errorBody{
		Message:                  ae.Message,
		Code:                     string(ae.Kind),
		RequiresReauthentication: ae.RequiresReauthentication,
	}
	if body.Message == "" {
		body.Message = string(ae.Kind)
	}
	if status == http.StatusTooManyRequests {
		secs := int(math.Ceil(ae.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, status, map[string]errorBody{"error": body})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
