package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeVerifier(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v, err := GenerateCodeVerifier()
		require.NoError(t, err)
		assert.Len(t, v, 43)
		assert.True(t, ValidCodeVerifier(v), "invalid verifier %q", v)
		assert.False(t, seen[v], "duplicate verifier")
		seen[v] = true
	}
}

func TestGenerateCodeChallengeKnownVector(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", GenerateCodeChallenge(verifier))
}

func TestGenerateCodeChallengeDeterministic(t *testing.T) {
	for i := 0; i < 50; i++ {
		v, err := GenerateCodeVerifier()
		require.NoError(t, err)

		sum := sha256.Sum256([]byte(v))
		want := base64.RawURLEncoding.EncodeToString(sum[:])

		assert.Equal(t, want, GenerateCodeChallenge(v))
		assert.Equal(t, GenerateCodeChallenge(v), GenerateCodeChallenge(v))
		assert.NotContains(t, GenerateCodeChallenge(v), "=")
	}
}

func TestGenerateCodeVerifierFallback(t *testing.T) {
	orig := randRead
	randRead = func([]byte) (int, error) { return 0, errors.New("entropy unavailable") }
	t.Cleanup(func() { randRead = orig })

	a, err := GenerateCodeVerifier()
	require.NoError(t, err)
	b, err := GenerateCodeVerifier()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.True(t, ValidCodeVerifier(a))
	assert.NotEqual(t, a, b)
}

func TestGenerateState(t *testing.T) {
	s, err := GenerateState()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(s), 32)
	assert.NotContains(t, s, "=")
}

func TestValidCodeVerifier(t *testing.T) {
	assert.False(t, ValidCodeVerifier("short"))
	assert.False(t, ValidCodeVerifier(string(make([]byte, 129))))
	assert.False(t, ValidCodeVerifier("dBjftJeZ4CVP+mB92K27uhbUJU1p1r/wW1gFWFOEjXk"))
	assert.True(t, ValidCodeVerifier("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
	assert.True(t, ValidCodeVerifier("abc.def~ghi-jkl_mnoabc.def~ghi-jkl_mnoabcde"))
}
