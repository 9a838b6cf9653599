package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/credentials"
	"github.com/fuomag9/square-bridge/internal/gateway"
	"github.com/fuomag9/square-bridge/internal/logger"
)

// TokenCategory is the rate-limit bucket for token endpoint calls.
const TokenCategory = "token-exchange"

const (
	tokenPath  = "/oauth2/token"
	revokePath = "/oauth2/revoke"
)

// CredentialsGetter supplies application credentials.
type CredentialsGetter interface {
	Get(ctx context.Context) (credentials.Credentials, error)
}

// TokenSet is the platform's token response. Ownership passes to the caller;
// nothing here persists it.
type TokenSet struct {
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	TokenType             string    `json:"token_type,omitempty"`
	ExpiresAt             time.Time `json:"expires_at"`
	MerchantID            string    `json:"merchant_id"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitzero"`
}

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	ExpiresAt             string `json:"expires_at"`
	MerchantID            string `json:"merchant_id"`
	RefreshTokenExpiresAt string `json:"refresh_token_expires_at"`
}

// TokenClient talks to the platform token endpoint through the gateway.
type TokenClient struct {
	gateway             *gateway.Gateway
	credentials         CredentialsGetter
	redirectURL         string
	allowSecretFallback bool
	logger              *zap.Logger
}

// TokenClientOption configures a TokenClient
type TokenClientOption func(*TokenClient)

// WithSecretFallback allows exchanging a code with the client secret when no
// PKCE verifier is available.
func WithSecretFallback(allow bool) TokenClientOption {
	return func(c *TokenClient) {
		c.allowSecretFallback = allow
	}
}

// WithTokenLogger sets the logger
func WithTokenLogger(log *zap.Logger) TokenClientOption {
	return func(c *TokenClient) {
		c.logger = logger.OrNop(log)
	}
}

// NewTokenClient creates a token client. redirectURL must equal the
// redirect_uri sent on the authorize request.
func NewTokenClient(gw *gateway.Gateway, creds CredentialsGetter, redirectURL string, opts ...TokenClientOption) *TokenClient {
	c := &TokenClient{
		gateway:     gw,
		credentials: creds,
		redirectURL: redirectURL,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AllowsSecretFallback reports whether non-PKCE exchanges are permitted
func (c *TokenClient) AllowsSecretFallback() bool {
	return c.allowSecretFallback
}

// Exchange trades an authorization code for tokens. With an empty verifier the
// client secret is sent instead, only if the fallback is enabled.
func (c *TokenClient) Exchange(ctx context.Context, code, codeVerifier string) (*TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apierror.New(apierror.KindValidation, "authorization code is required")
	}
	if codeVerifier == "" && !c.allowSecretFallback {
		return nil, apierror.New(apierror.KindValidation, "code verifier is required")
	}

	creds, err := c.credentials.Get(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"client_id":    creds.ApplicationID,
		"code":         code,
		"grant_type":   "authorization_code",
		"redirect_uri": c.redirectURL,
	}
	if codeVerifier != "" {
		body["code_verifier"] = codeVerifier
	} else {
		c.logger.Warn("exchanging authorization code without PKCE verifier")
		body["client_secret"] = creds.ApplicationSecret
	}

	tokens, err := c.post(ctx, body)
	if err != nil {
		c.logger.Error("token exchange failed", zap.Error(err))
		return nil, tokenError(apierror.KindTokenExchange, err, "failed to exchange authorization code")
	}

	c.logger.Info("authorization code exchanged", zap.String("merchant_id", tokens.MerchantID))
	return tokens, nil
}

// Refresh obtains a new access token. A rejected refresh token yields
// INVALID_REFRESH_TOKEN with RequiresReauthentication set.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, apierror.New(apierror.KindValidation, "refresh token is required")
	}

	creds, err := c.credentials.Get(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := c.post(ctx, map[string]string{
		"client_id":     creds.ApplicationID,
		"client_secret": creds.ApplicationSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		if isInvalidRefreshToken(err) {
			c.logger.Warn("refresh token rejected", zap.String("refresh_token", logger.Redact(refreshToken)))
			ae := tokenError(apierror.KindInvalidRefreshToken, err, "refresh token is invalid or expired")
			ae.StatusCode = http.StatusUnauthorized
			ae.RequiresReauthentication = true
			return nil, ae
		}
		c.logger.Error("token refresh failed", zap.Error(err))
		return nil, tokenError(apierror.KindTokenRefresh, err, "failed to refresh access token")
	}

	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// Revoke revokes accessToken. Failures are logged and reported as false.
func (c *TokenClient) Revoke(ctx context.Context, accessToken string) bool {
	if strings.TrimSpace(accessToken) == "" {
		return false
	}

	creds, err := c.credentials.Get(ctx)
	if err != nil {
		c.logger.Warn("token revoke skipped: no credentials", zap.Error(err))
		return false
	}

	header := http.Header{}
	header.Set("Authorization", "Client "+creds.ApplicationSecret)
	payload, err := c.gateway.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   revokePath,
		Header: header,
		Body: map[string]string{
			"client_id":    creds.ApplicationID,
			"access_token": accessToken,
		},
		Category: TokenCategory,
	})
	if err != nil {
		c.logger.Warn("token revoke failed", zap.Error(err))
		return false
	}

	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn("token revoke returned malformed body", zap.Error(err))
		return false
	}
	return resp.Success
}

func (c *TokenClient) post(ctx context.Context, body map[string]string) (*TokenSet, error) {
	payload, err := c.gateway.Do(ctx, gateway.Request{
		Method:   http.MethodPost,
		Path:     tokenPath,
		Body:     body,
		Category: TokenCategory,
	})
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, apierror.Wrap(apierror.KindUnknown, err, "malformed token response")
	}
	if resp.AccessToken == "" {
		return nil, apierror.New(apierror.KindUnknown, "token response missing access_token")
	}

	return &TokenSet{
		AccessToken:           resp.AccessToken,
		RefreshToken:          resp.RefreshToken,
		TokenType:             resp.TokenType,
		ExpiresAt:             parseTimestamp(resp.ExpiresAt),
		MerchantID:            resp.MerchantID,
		RefreshTokenExpiresAt: parseTimestamp(resp.RefreshTokenExpiresAt),
	}, nil
}

// isInvalidRefreshToken recognises the platform's rejection of a refresh token.
func isInvalidRefreshToken(err error) bool {
	ae, ok := apierror.As(err)
	if !ok {
		return false
	}
	if ae.StatusCode != http.StatusBadRequest && ae.StatusCode != http.StatusUnauthorized {
		return false
	}
	code := strings.ToLower(ae.Detail("error"))
	switch code {
	case "invalid_grant", "unauthorized", "access_token_expired", "access_token_revoked":
		return true
	}
	desc := strings.ToLower(ae.Detail("error_description") + " " + ae.Message)
	return strings.Contains(desc, "refresh token") &&
		(strings.Contains(desc, "invalid") || strings.Contains(desc, "expired") || strings.Contains(desc, "revoked"))
}

// tokenError re-tags a gateway failure while keeping the upstream status,
// details and retry hint.
func tokenError(kind apierror.Kind, err error, message string) *apierror.Error {
	out := apierror.Wrap(kind, err, message)
	if ae, ok := apierror.As(err); ok {
		if ae.Kind == apierror.KindCredentials {
			return ae
		}
		if desc := ae.Detail("error_description"); desc != "" {
			out.Message = desc
		}
		if ae.StatusCode >= 400 {
			out.StatusCode = ae.StatusCode
		}
		out.RetryAfter = ae.RetryAfter
		out.Details = ae.Details
	}
	return out
}

func parseTimestamp(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
