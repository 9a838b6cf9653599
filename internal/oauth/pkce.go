package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"

	"golang.org/x/crypto/chacha20"
)

const (
	verifierBytes     = 32
	stateBytes        = 32
	minVerifierLength = 43
	maxVerifierLength = 128
)

var rawURLEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// randRead is the primary entropy source. Tests replace it to exercise the
// fallback path.
var randRead = rand.Read

// GenerateState generates a random state parameter for CSRF protection
func GenerateState() (string, error) {
	b, err := randomBytes(stateBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return rawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeVerifier generates a 43 character PKCE code verifier
func GenerateCodeVerifier() (string, error) {
	b, err := randomBytes(verifierBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return rawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeChallenge derives the S256 code challenge for verifier.
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return rawURLEncoding.EncodeToString(sum[:])
}

// ValidCodeVerifier reports whether v has a legal PKCE verifier length and
// alphabet (RFC 7636 unreserved characters).
func ValidCodeVerifier(v string) bool {
	if len(v) < minVerifierLength || len(v) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// randomBytes reads n bytes from the system source, falling back to a
// ChaCha20 keystream when the system source fails.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := randRead(b); err == nil {
		return b, nil
	}
	return fallbackRandomBytes(n)
}

func fallbackRandomBytes(n int) ([]byte, error) {
	key := make([]byte, chacha20.KeySize)
	for i := 0; i < len(key); i += 8 {
		binary.LittleEndian.PutUint64(key[i:], mrand.Uint64())
	}
	nonce := make([]byte, chacha20.NonceSize)
	binary.LittleEndian.PutUint64(nonce, mrand.Uint64())
	binary.LittleEndian.PutUint32(nonce[8:], mrand.Uint32())

	cipher, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	cipher.XORKeyStream(out, out)
	return out, nil
}
