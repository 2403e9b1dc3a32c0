package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestIssueAndVerify(t *testing.T) {
	key := newKeyPair(t)
	token, err := NewIssuer(key, "aperture-test").Issue("owner-1", map[string]bool{"admin": true}, time.Minute)
	require.NoError(t, err)

	claims, err := NewBaseValidator(&key.PublicKey).VerifyToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", claims.UserID)
	assert.True(t, claims.Scopes["admin"])
}

func TestVerifyRejectsForeignKeyAndExpired(t *testing.T) {
	key := newKeyPair(t)
	other := newKeyPair(t)

	token, err := NewIssuer(other, "x").Issue("owner-1", nil, time.Minute)
	require.NoError(t, err)
	_, err = NewBaseValidator(&key.PublicKey).VerifyToken(token)
	assert.Error(t, err)

	expired, err := NewIssuer(key, "x").Issue("owner-1", nil, -time.Minute)
	require.NoError(t, err)
	_, err = NewBaseValidator(&key.PublicKey).VerifyToken(expired)
	assert.Error(t, err)
}

func TestMiddlewarePutsCallerIntoContext(t *testing.T) {
	key := newKeyPair(t)
	token, err := NewIssuer(key, "x").Issue("agent-7", map[string]bool{"admin": true}, time.Minute)
	require.NoError(t, err)

	var gotCaller string
	var gotAdmin bool
	h := NewMiddleware(NewBaseValidator(&key.PublicKey), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = CallerID(r.Context())
		gotAdmin = HasScope(r.Context(), "admin")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-7", gotCaller)
	assert.True(t, gotAdmin)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
