package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/credentials"
)

type fakeMerchants struct {
	merchant *Merchant
	err      error
	gotToken string
}

func (f *fakeMerchants) ResolveMerchant(_ context.Context, accessToken string) (*Merchant, error) {
	f.gotToken = accessToken
	if f.err != nil {
		return nil, f.err
	}
	m := *f.merchant
	return &m, nil
}

type flowFixture struct {
	flow      *FlowController
	store     *StateStore
	merchants *fakeMerchants
	// verifier seen by the token endpoint
	gotVerifier string
	tokenStatus int
}

func newFlowFixture(t *testing.T, opts ...TokenClientOption) *flowFixture {
	t.Helper()
	fx := &flowFixture{
		store:       NewStateStore(NewMemoryStateStore()),
		merchants:   &fakeMerchants{merchant: &Merchant{ID: "MERCHANT1", BusinessName: "Joy Labs Cafe"}},
		tokenStatus: http.StatusOK,
	}

	gw := newPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		fx.gotVerifier = body["code_verifier"]
		if fx.tokenStatus != http.StatusOK {
			w.WriteHeader(fx.tokenStatus)
			w.Write([]byte(`{"error":"invalid_grant","error_description":"Authorization code is expired"}`))
			return
		}
		w.Write([]byte(tokenJSON))
	}))
	provider := credentials.NewProvider(credentials.StaticSource{Credentials: testCreds})
	tokens := NewTokenClient(gw, provider, "https://bridge.example.com/api/auth/square/callback", opts...)

	fx.flow = NewFlowController(FlowConfig{
		AuthorizeURL: "https://connect.squareup.com/oauth2/authorize",
		RedirectURL:  "https://bridge.example.com/api/auth/square/callback",
		Scopes:       []string{"MERCHANT_PROFILE_READ", "ITEMS_READ"},
		AppScheme:    "joylabs",
		PKCE:         true,
	}, fx.store, tokens, provider, fx.merchants, nil)
	return fx
}

func (fx *flowFixture) authorize(t *testing.T, pkce bool) (string, url.Values) {
	t.Helper()
	res, err := fx.flow.Authorize(context.Background(), AuthorizeRequest{PKCE: &pkce})
	require.NoError(t, err)
	u, err := url.Parse(res.URL)
	require.NoError(t, err)
	return res.State, u.Query()
}

func redirectQuery(t *testing.T, raw string) (*url.URL, url.Values) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u, u.Query()
}

func TestAuthorizeURL(t *testing.T) {
	fx := newFlowFixture(t)
	res, err := fx.flow.Authorize(context.Background(), AuthorizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, StageRedirected, res.Stage)

	u, err := url.Parse(res.URL)
	require.NoError(t, err)
	assert.Equal(t, "connect.squareup.com", u.Host)
	assert.Equal(t, "/oauth2/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "sq0idp-test-app", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "MERCHANT_PROFILE_READ ITEMS_READ", q.Get("scope"))
	assert.Equal(t, "https://bridge.example.com/api/auth/square/callback", q.Get("redirect_uri"))
	assert.Equal(t, res.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Len(t, q.Get("code_challenge"), 43)
}

func TestAuthorizeWithoutPKCE(t *testing.T) {
	fx := newFlowFixture(t)
	_, q := fx.authorize(t, false)
	assert.Empty(t, q.Get("code_challenge"))
	assert.Empty(t, q.Get("code_challenge_method"))
}

func TestAuthorizeRejectsForeignRedirect(t *testing.T) {
	fx := newFlowFixture(t)
	_, err := fx.flow.Authorize(context.Background(), AuthorizeRequest{RedirectURI: "https://evil.example.com/steal"})
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))
}

func TestCallbackSuccess(t *testing.T) {
	fx := newFlowFixture(t)
	state, q := fx.authorize(t, true)

	res := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	require.Equal(t, StageDone, res.Stage, "unexpected failure: %v", res.Err)

	assert.Equal(t, q.Get("code_challenge"), GenerateCodeChallenge(fx.gotVerifier))
	assert.Equal(t, "EAAAaccess", fx.merchants.gotToken)

	u, params := redirectQuery(t, res.RedirectURL)
	assert.Equal(t, "joylabs", u.Scheme)
	assert.Equal(t, "square-callback", u.Host)
	assert.Equal(t, "EAAAaccess", params.Get("access_token"))
	assert.Equal(t, "EQAArefresh", params.Get("refresh_token"))
	assert.Equal(t, "MERCHANT1", params.Get("merchant_id"))
	assert.Equal(t, "Joy Labs Cafe", params.Get("business_name"))
	assert.Empty(t, params.Get("error"))
}

func TestCallbackReplayFails(t *testing.T) {
	fx := newFlowFixture(t)
	state, _ := fx.authorize(t, true)

	first := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	require.Equal(t, StageDone, first.Stage)

	second := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	assert.Equal(t, StageFailed, second.Stage)
	assert.Equal(t, StageCallbackReceived, second.FailedAt)
	_, params := redirectQuery(t, second.RedirectURL)
	assert.Equal(t, "STATE_ALREADY_USED", params.Get("error"))
	assert.Empty(t, params.Get("access_token"))
}

func TestCallbackUnknownState(t *testing.T) {
	fx := newFlowFixture(t)
	res := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: "forged"})

	assert.Equal(t, StageFailed, res.Stage)
	u, params := redirectQuery(t, res.RedirectURL)
	assert.Equal(t, "joylabs", u.Scheme)
	assert.Equal(t, "STATE_INVALID", params.Get("error"))
}

func TestCallbackPlatformErrorBurnsState(t *testing.T) {
	fx := newFlowFixture(t)
	state, _ := fx.authorize(t, true)

	res := fx.flow.Callback(context.Background(), CallbackParams{
		State:            state,
		Error:            "access_denied",
		ErrorDescription: "user denied",
	})
	assert.Equal(t, StageFailed, res.Stage)
	_, params := redirectQuery(t, res.RedirectURL)
	assert.Equal(t, ReasonPlatformError, params.Get("error"))
	assert.Equal(t, "access_denied: user denied", params.Get("details"))

	_, err := fx.store.Consume(context.Background(), state)
	assert.ErrorIs(t, err, apierror.ErrStateAlreadyUsed)
}

func TestCallbackTokenExchangeFailure(t *testing.T) {
	fx := newFlowFixture(t)
	fx.tokenStatus = http.StatusBadRequest
	state, _ := fx.authorize(t, true)

	res := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	assert.Equal(t, StageFailed, res.Stage)
	assert.Equal(t, StageStateConsumed, res.FailedAt)
	assert.Equal(t, apierror.KindTokenExchange, res.Err.Kind)
	assert.Nil(t, res.Token)

	_, params := redirectQuery(t, res.RedirectURL)
	assert.Equal(t, ReasonTokenExchangeFailed, params.Get("error"))
	assert.Equal(t, "Authorization code is expired", params.Get("details"))
}

func TestCallbackMerchantFailureKeepsToken(t *testing.T) {
	fx := newFlowFixture(t)
	fx.merchants.err = apierror.FromStatus(http.StatusServiceUnavailable, "merchant lookup failed")
	state, _ := fx.authorize(t, true)

	res := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	assert.Equal(t, StageFailed, res.Stage)
	assert.Equal(t, StageTokenExchanged, res.FailedAt)
	require.NotNil(t, res.Token)
	assert.Equal(t, "EAAAaccess", res.Token.AccessToken)

	_, params := redirectQuery(t, res.RedirectURL)
	assert.Equal(t, ReasonMerchantInfoFailed, params.Get("error"))
	assert.Equal(t, "EAAAaccess", params.Get("access_token"))
}

func TestCallbackMissingCode(t *testing.T) {
	fx := newFlowFixture(t)
	state, _ := fx.authorize(t, true)

	res := fx.flow.Callback(context.Background(), CallbackParams{State: state})
	assert.Equal(t, StageFailed, res.Stage)
	_, params := redirectQuery(t, res.RedirectURL)
	assert.Equal(t, "VALIDATION_ERROR", params.Get("error"))
}

func TestCallbackNonPKCEStateWithoutFallback(t *testing.T) {
	fx := newFlowFixture(t)
	state, _ := fx.authorize(t, false)

	res := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	assert.Equal(t, StageFailed, res.Stage)
	_, params := redirectQuery(t, res.RedirectURL)
	assert.Equal(t, "STATE_INVALID", params.Get("error"))
}

func TestCallbackNonPKCEStateWithFallback(t *testing.T) {
	fx := newFlowFixture(t, WithSecretFallback(true))
	state, _ := fx.authorize(t, false)

	res := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	assert.Equal(t, StageDone, res.Stage)
	assert.Empty(t, fx.gotVerifier)
}

func TestCallbackCustomRedirectPreserved(t *testing.T) {
	fx := newFlowFixture(t)
	res, err := fx.flow.Authorize(context.Background(), AuthorizeRequest{RedirectURI: "joylabs://square-callback?source=settings"})
	require.NoError(t, err)

	out := fx.flow.Callback(context.Background(), CallbackParams{Code: "auth-code", State: res.State})
	require.Equal(t, StageDone, out.Stage)
	_, params := redirectQuery(t, out.RedirectURL)
	assert.Equal(t, "settings", params.Get("source"))
	assert.Equal(t, "EAAAaccess", params.Get("access_token"))
}

func TestAsAPIErrorWrapsPlainErrors(t *testing.T) {
	ae := asAPIError(errors.New("boom"))
	assert.Equal(t, apierror.KindUnknown, ae.Kind)
}
