package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/oauth"
)

// LoginFlow runs the platform OAuth login
type LoginFlow interface {
	Authorize(ctx context.Context, req oauth.AuthorizeRequest) (*oauth.AuthorizeResult, error)
	Callback(ctx context.Context, params oauth.CallbackParams) *oauth.CallbackResult
}

// TokenService refreshes and revokes platform tokens
type TokenService interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error)
	Revoke(ctx context.Context, accessToken string) bool
}

const maxRequestBody = 64 << 10

// HandleOAuthAuthorize initiates the OAuth authorization flow
func HandleOAuthAuthorize(flow LoginFlow, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := oauth.AuthorizeRequest{RedirectURI: q.Get("redirect_uri")}
		if raw := q.Get("pkce"); raw != "" {
			pkce, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, log, apierror.New(apierror.KindValidation, "pkce must be true or false"))
				return
			}
			req.PKCE = &pkce
		}

		res, err := flow.Authorize(r.Context(), req)
		if err != nil {
			writeError(w, log, err)
			return
		}
		http.Redirect(w, r, res.URL, http.StatusFound)
	}
}

// HandleOAuthCallback completes the flow and redirects into the app. It always
// redirects, on failure with an error parameter.
func HandleOAuthCallback(flow LoginFlow, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res := flow.Callback(r.Context(), oauth.CallbackParams{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		})
		if res.Stage == oauth.StageFailed {
			log.Info("oauth callback redirecting with error", zap.String("failed_at", string(res.FailedAt)))
		}
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
	}
}

// HandleOAuthRefresh exchanges a refresh token for a new token set
func HandleOAuthRefresh(tokens TokenService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, log, apierror.New(apierror.KindValidation, "Invalid request body"))
			return
		}
		if req.RefreshToken == "" {
			writeError(w, log, apierror.New(apierror.KindValidation, "refresh_token is required"))
			return
		}

		set, err := tokens.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, set)
	}
}

// HandleOAuthRevoke revokes an access token. The bearer header or the body
// may carry the token.
func HandleOAuthRevoke(tokens TokenService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccessToken string `json:"access_token"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, log, apierror.New(apierror.KindValidation, "Invalid request body"))
				return
			}
		}
		token := req.AccessToken
		if token == "" {
			token = bearerToken(r)
		}
		if token == "" {
			writeError(w, log, apierror.New(apierror.KindValidation, "access_token is required"))
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"revoked": tokens.Revoke(r.Context(), token)})
	}
}
