package oauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/logger"
)

// Stage is a step of the login state machine.
type Stage string

const (
	StageStart            Stage = "START"
	StageStateCreated     Stage = "STATE_CREATED"
	StageRedirected       Stage = "REDIRECTED"
	StageCallbackReceived Stage = "CALLBACK_RECEIVED"
	StageStateConsumed    Stage = "STATE_CONSUMED"
	StageTokenExchanged   Stage = "TOKEN_EXCHANGED"
	StageMerchantResolved Stage = "MERCHANT_RESOLVED"
	StageDone             Stage = "DONE"
	StageFailed           Stage = "FAILED"
)

// Failure reasons carried in the error query parameter when no taxonomy code
// applies.
const (
	ReasonPlatformError       = "platform_error"
	ReasonTokenExchangeFailed = "token_exchange_failed"
	ReasonMerchantInfoFailed  = "merchant_info_failed"
)

// CallbackHost is the host part of the app deep link.
const CallbackHost = "square-callback"

// Merchant identifies the merchant behind an access token.
type Merchant struct {
	ID           string
	BusinessName string
}

// MerchantResolver looks up the merchant for a fresh access token.
type MerchantResolver interface {
	ResolveMerchant(ctx context.Context, accessToken string) (*Merchant, error)
}

// FlowConfig holds the static parts of the authorize request.
type FlowConfig struct {
	// AuthorizeURL is the platform's authorize endpoint.
	AuthorizeURL string
	// RedirectURL is this service's callback, registered with the platform.
	RedirectURL string
	Scopes      []string
	// AppScheme is the mobile deep-link scheme; client redirect URIs must use it.
	AppScheme string
	// PKCE is the default when the caller does not choose.
	PKCE bool
}

// AuthorizeRequest starts a login.
type AuthorizeRequest struct {
	// RedirectURI is where the app wants the final deep link; empty selects
	// {scheme}://square-callback.
	RedirectURI string
	PKCE        *bool
}

// AuthorizeResult is the platform URL the caller should redirect to.
type AuthorizeResult struct {
	Stage Stage
	URL   string
	State string
}

// CallbackParams are the query parameters the platform sends back.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is the outcome of a callback. RedirectURL is always set.
type CallbackResult struct {
	Stage Stage
	// FailedAt is the last stage reached before failing.
	FailedAt    Stage
	RedirectURL string
	// Token survives a merchant lookup failure so the caller may keep it.
	Token    *TokenSet
	Merchant *Merchant
	Err      *apierror.Error
}

// FlowController runs the authorize -> callback -> token -> merchant sequence.
type FlowController struct {
	cfg         FlowConfig
	states      *StateStore
	tokens      *TokenClient
	credentials CredentialsGetter
	merchants   MerchantResolver
	logger      *zap.Logger
}

// NewFlowController wires the login flow.
func NewFlowController(cfg FlowConfig, states *StateStore, tokens *TokenClient, creds CredentialsGetter, merchants MerchantResolver, log *zap.Logger) *FlowController {
	return &FlowController{
		cfg:         cfg,
		states:      states,
		tokens:      tokens,
		credentials: creds,
		merchants:   merchants,
		logger:      logger.OrNop(log),
	}
}

// DefaultRedirectURI is the deep link used when the app names none.
func (f *FlowController) DefaultRedirectURI() string {
	return f.cfg.AppScheme + "://" + CallbackHost
}

func (f *FlowController) validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apierror.Wrap(apierror.KindValidation, err, "invalid redirect URI")
	}
	if !strings.EqualFold(u.Scheme, f.cfg.AppScheme) {
		return apierror.New(apierror.KindValidation, fmt.Sprintf("redirect URI must use the %s scheme", f.cfg.AppScheme))
	}
	return nil
}

// Authorize creates a state and builds the platform authorize URL.
func (f *FlowController) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = f.DefaultRedirectURI()
	}
	if err := f.validateRedirectURI(redirectURI); err != nil {
		return nil, err
	}
	pkce := f.cfg.PKCE
	if req.PKCE != nil {
		pkce = *req.PKCE
	}

	creds, err := f.credentials.Get(ctx)
	if err != nil {
		return nil, err
	}

	created, err := f.states.Create(ctx, redirectURI, pkce)
	if err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID:    creds.ApplicationID,
		RedirectURL: f.cfg.RedirectURL,
		Scopes:      f.cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: f.cfg.AuthorizeURL},
	}
	var opts []oauth2.AuthCodeOption
	if created.CodeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", created.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}

	f.logger.Info("oauth login started",
		zap.String("state", logger.Redact(created.State)),
		zap.Bool("pkce", pkce),
	)
	return &AuthorizeResult{
		Stage: StageRedirected,
		URL:   conf.AuthCodeURL(created.State, opts...),
		State: created.State,
	}, nil
}

// Callback completes the login. It never returns an error: every failure is
// folded into a redirect carrying an error code.
func (f *FlowController) Callback(ctx context.Context, params CallbackParams) *CallbackResult {
	stage := StageCallbackReceived

	if params.Error != "" {
		redirect := f.DefaultRedirectURI()
		// Burn the state so it cannot be replayed, and honour its redirect.
		if params.State != "" {
			if consumed, err := f.states.Consume(ctx, params.State); err == nil {
				redirect = consumed.RedirectURI
			}
		}
		details := params.Error
		if params.ErrorDescription != "" {
			details += ": " + params.ErrorDescription
		}
		ae := apierror.New(apierror.KindAuthentication, details)
		return f.fail(redirect, stage, ReasonPlatformError, details, ae)
	}

	consumed, err := f.states.Consume(ctx, params.State)
	if err != nil {
		ae := asAPIError(err)
		return f.fail(f.DefaultRedirectURI(), stage, string(ae.Kind), "", ae)
	}
	stage = StageStateConsumed
	redirect := consumed.RedirectURI

	if params.Code == "" {
		ae := apierror.New(apierror.KindValidation, "authorization code is missing")
		return f.fail(redirect, stage, string(ae.Kind), ae.Message, ae)
	}
	if consumed.CodeVerifier == "" && !f.tokens.AllowsSecretFallback() {
		ae := apierror.New(apierror.KindStateInvalid, "state has no PKCE verifier")
		return f.fail(redirect, stage, string(ae.Kind), "", ae)
	}

	tokens, err := f.tokens.Exchange(ctx, params.Code, consumed.CodeVerifier)
	if err != nil {
		ae := asAPIError(err)
		return f.fail(redirect, stage, ReasonTokenExchangeFailed, ae.Message, ae)
	}
	stage = StageTokenExchanged

	merchant, err := f.merchants.ResolveMerchant(ctx, tokens.AccessToken)
	if err != nil {
		ae := asAPIError(err)
		res := f.failWith(redirect, stage, ReasonMerchantInfoFailed, ae.Message, ae, map[string]string{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"merchant_id":   tokens.MerchantID,
		})
		res.Token = tokens
		return res
	}
	if merchant.ID == "" {
		merchant.ID = tokens.MerchantID
	}

	f.logger.Info("oauth login completed", zap.String("merchant_id", merchant.ID))
	return &CallbackResult{
		Stage: StageDone,
		RedirectURL: deepLink(redirect, map[string]string{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"merchant_id":   merchant.ID,
			"business_name": merchant.BusinessName,
		}),
		Token:    tokens,
		Merchant: merchant,
	}
}

func (f *FlowController) fail(redirect string, at Stage, code, details string, ae *apierror.Error) *CallbackResult {
	return f.failWith(redirect, at, code, details, ae, nil)
}

func (f *FlowController) failWith(redirect string, at Stage, code, details string, ae *apierror.Error, extra map[string]string) *CallbackResult {
	f.logger.Warn("oauth login failed",
		zap.String("stage", string(at)),
		zap.String("code", code),
		zap.Error(ae),
	)
	params := map[string]string{"error": code}
	for k, v := range extra {
		params[k] = v
	}
	if details != "" {
		params["details"] = details
	}
	return &CallbackResult{
		Stage:       StageFailed,
		FailedAt:    at,
		RedirectURL: deepLink(redirect, params),
		Err:         ae,
	}
}

func asAPIError(err error) *apierror.Error {
	if ae, ok := apierror.As(err); ok {
		return ae
	}
	return apierror.Wrap(apierror.KindUnknown, err, err.Error())
}

// deepLink appends params to base, keeping any query base already has.
func deepLink(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
