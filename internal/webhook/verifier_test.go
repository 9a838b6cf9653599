package webhook

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/credentials"
)

const notificationURL = "https://bridge.example.com/api/webhooks/square"

type rotatingKeys struct {
	mu          sync.Mutex
	current     string
	next        string
	invalidated int
}

func (k *rotatingKeys) Get(context.Context) (credentials.Credentials, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return credentials.Credentials{ApplicationID: "app", ApplicationSecret: "secret", WebhookSigningKey: k.current}, nil
}

func (k *rotatingKeys) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.invalidated++
	if k.next != "" {
		k.current = k.next
	}
}

var body = []byte(`{"merchant_id":"MERCHANT1","type":"catalog.version.updated","event_id":"e1","data":{}}`)

func TestVerifyValidSignature(t *testing.T) {
	keys := &rotatingKeys{current: "signing-key"}
	v := NewVerifier(keys, notificationURL, nil)

	sig := Sign("signing-key", notificationURL, body)
	require.NoError(t, v.Verify(context.Background(), sig, body))
	assert.Equal(t, 0, keys.invalidated)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	keys := &rotatingKeys{current: "signing-key"}
	v := NewVerifier(keys, notificationURL, nil)

	sig := Sign("signing-key", notificationURL, body)
	tampered := append(append([]byte(nil), body...), ' ')
	err := v.Verify(context.Background(), sig, tampered)
	assert.Equal(t, apierror.KindAuthentication, apierror.KindOf(err))
}

func TestVerifyRejectsWrongURL(t *testing.T) {
	v := NewVerifier(&rotatingKeys{current: "signing-key"}, notificationURL, nil)

	sig := Sign("signing-key", "https://other.example.com/hook", body)
	assert.Error(t, v.Verify(context.Background(), sig, body))
}

func TestVerifyMissingSignature(t *testing.T) {
	v := NewVerifier(&rotatingKeys{current: "signing-key"}, notificationURL, nil)
	assert.Equal(t, apierror.KindAuthentication, apierror.KindOf(v.Verify(context.Background(), "", body)))
}

func TestVerifyReloadsRotatedKey(t *testing.T) {
	keys := &rotatingKeys{current: "old-key", next: "new-key"}
	v := NewVerifier(keys, notificationURL, nil)

	sig := Sign("new-key", notificationURL, body)
	require.NoError(t, v.Verify(context.Background(), sig, body))
	assert.Equal(t, 1, keys.invalidated)
}

func TestVerifyReloadIsThrottled(t *testing.T) {
	keys := &rotatingKeys{current: "signing-key"}
	v := NewVerifier(keys, notificationURL, nil)

	for i := 0; i < 5; i++ {
		assert.Error(t, v.Verify(context.Background(), "bogus", body))
	}
	assert.Equal(t, 1, keys.invalidated)
}

func TestVerifyWithoutKeyConfigured(t *testing.T) {
	v := NewVerifier(&rotatingKeys{}, notificationURL, nil)
	err := v.Verify(context.Background(), "sig", body)
	assert.Equal(t, apierror.KindCredentials, apierror.KindOf(err))
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "catalog.version.updated", ev.Type)
	assert.Equal(t, "MERCHANT1", ev.MerchantID)

	_, err = ParseEvent([]byte(`{"merchant_id":"M"}`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`nope`))
	assert.Error(t, err)
}
