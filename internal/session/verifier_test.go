package session_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/session"
)

func writeKeyPair(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return priv, path
}

func signToken(t *testing.T, priv ed25519.PrivateKey, claims session.JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)
	return token
}

func TestJWTVerifier(t *testing.T) {
	priv, pubPath := writeKeyPair(t)
	v, err := session.NewJWTVerifier(pubPath)
	require.NoError(t, err)

	userID := uuid.New()
	expires := time.Now().Add(time.Hour)
	token := signToken(t, priv, session.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Email: "jwt@example.com",
	})

	id, expiresAt, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, userID, id.UserID)
	assert.Equal(t, "jwt@example.com", id.Email)
	assert.WithinDuration(t, expires, expiresAt, time.Second)
}

func TestJWTVerifierRejectsExpired(t *testing.T) {
	priv, pubPath := writeKeyPair(t)
	v, err := session.NewJWTVerifier(pubPath)
	require.NoError(t, err)

	token := signToken(t, priv, session.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Email: "late@example.com",
	})

	_, _, err = v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestJWTVerifierRejectsWrongKey(t *testing.T) {
	otherPriv, _ := writeKeyPair(t)
	_, pubPath := writeKeyPair(t)
	v, err := session.NewJWTVerifier(pubPath)
	require.NoError(t, err)

	token := signToken(t, otherPriv, session.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
		Email:            "forged@example.com",
	})

	_, _, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestJWTVerifierRejectsWrongAlgorithm(t *testing.T) {
	_, pubPath := writeKeyPair(t)
	v, err := session.NewJWTVerifier(pubPath)
	require.NoError(t, err)

	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: uuid.NewString(),
	}).SignedString([]byte("shared secret"))
	require.NoError(t, err)

	_, _, err = v.Verify(context.Background(), hmacToken)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestJWTVerifierRequiresUUIDSubjectAndEmail(t *testing.T) {
	priv, pubPath := writeKeyPair(t)
	v, err := session.NewJWTVerifier(pubPath)
	require.NoError(t, err)

	badSubject := signToken(t, priv, session.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid"},
		Email:            "ok@example.com",
	})
	_, _, err = v.Verify(context.Background(), badSubject)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)

	noEmail := signToken(t, priv, session.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
	})
	_, _, err = v.Verify(context.Background(), noEmail)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestHTTPVerifier(t *testing.T) {
	userID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer provider-key", r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-token", req["token"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"user_id":    userID,
			"email":      "remote@example.com",
			"expires_at": time.Now().Add(time.Hour),
		})
	}))
	defer srv.Close()

	v := session.NewHTTPVerifier(srv.URL, "provider-key")
	id, expiresAt, err := v.Verify(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, userID, id.UserID)
	assert.Equal(t, "remote@example.com", id.Email)
	assert.False(t, expiresAt.IsZero())
}

func TestHTTPVerifierRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := session.NewHTTPVerifier(srv.URL, "")
	_, _, err := v.Verify(context.Background(), "bad")
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestHTTPVerifierProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := session.NewHTTPVerifier(srv.URL, "")
	_, _, err := v.Verify(context.Background(), "any")
	assert.ErrorIs(t, err, model.ErrDependencyDown)
	assert.NotErrorIs(t, err, model.ErrUnauthenticated)
}

func TestHTTPVerifierIncompleteIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"email": "no-id@example.com"})
	}))
	defer srv.Close()

	v := session.NewHTTPVerifier(srv.URL, "")
	_, _, err := v.Verify(context.Background(), "any")
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}
