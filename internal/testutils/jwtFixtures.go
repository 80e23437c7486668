package testutils

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"
	"github.com/stretchr/testify/require"
)

// TestJWTSecret signs tokens issued by SignedToken
var TestJWTSecret = []byte("test-secret-with-enough-entropy-0123456789")

// SignedToken issues an HS256 token for subject that expires after ttl.
// A negative ttl yields an already expired token.
func SignedToken(t *testing.T, secret []byte, subject string, ttl time.Duration, claims map[string]interface{}) string {
	t.Helper()
	token := jwt.New()
	now := time.Now()
	require.NoError(t, token.Set(jwt.SubjectKey, subject))
	require.NoError(t, token.Set(jwt.IssuedAtKey, now.Add(-time.Minute)))
	require.NoError(t, token.Set(jwt.ExpirationKey, now.Add(ttl)))
	for key, value := range claims {
		require.NoError(t, token.Set(key, value))
	}
	signed, err := jwt.Sign(token, jwa.HS256, secret)
	require.NoError(t, err)
	return string(signed)
}
