package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// HTTPVerifier calls a remote identity provider's verify endpoint.
type HTTPVerifier struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPVerifier creates a verifier posting to the provider URL. apiKey,
// when set, authenticates this service to the provider.
func NewHTTPVerifier(url, apiKey string) *HTTPVerifier {
	return &HTTPVerifier{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Verify posts the token to the provider and decodes the identity.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (Identity, time.Time, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("session: encode verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("session: build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("session: identity provider unreachable: %w: %w", model.ErrDependencyDown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, time.Time{}, fmt.Errorf("session: token rejected: %w", model.ErrUnauthenticated)
	default:
		return Identity{}, time.Time{}, fmt.Errorf("session: identity provider status %d: %w", resp.StatusCode, model.ErrDependencyDown)
	}

	var vr verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&vr); err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("session: decode verify response: %w", err)
	}
	if vr.UserID == uuid.Nil || vr.Email == "" {
		return Identity{}, time.Time{}, fmt.Errorf("session: incomplete identity from provider: %w", model.ErrUnauthenticated)
	}
	return Identity{UserID: vr.UserID, Email: vr.Email}, vr.ExpiresAt, nil
}

// JWTClaims is the local-validation token shape: subject is the user id,
// email rides in a custom claim.
type JWTClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTVerifier validates Ed25519-signed tokens locally, with no identity
// provider round trip.
type JWTVerifier struct {
	publicKey ed25519.PublicKey
}

// NewJWTVerifier loads an Ed25519 public key from a PEM file.
func NewJWTVerifier(publicKeyPath string) (*JWTVerifier, error) {
	pemBytes, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("session: read public key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("session: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("session: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("session: public key is not Ed25519")
	}
	return &JWTVerifier{publicKey: edPub}, nil
}

// Verify parses and validates the token, returning the embedded identity.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, time.Time, error) {
	parsed, err := jwt.ParseWithClaims(token, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("session: unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("session: validate token: %w: %w", model.ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*JWTClaims)
	if !ok || !parsed.Valid {
		return Identity{}, time.Time{}, fmt.Errorf("session: invalid token claims: %w", model.ErrUnauthenticated)
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("session: subject is not a UUID: %w", model.ErrUnauthenticated)
	}
	if claims.Email == "" {
		return Identity{}, time.Time{}, fmt.Errorf("session: token missing email claim: %w", model.ErrUnauthenticated)
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Identity{UserID: userID, Email: claims.Email}, expiresAt, nil
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
)

// UserEnsurer resolves an email to a user record, creating it on first use.
// Satisfied by *storage.DB.
type UserEnsurer interface {
	EnsureUser(ctx context.Context, email, displayName string) (model.User, error)
}

// StaticVerifier accepts a single pre-shared token and maps it to one local
// user. Intended for single-user deployments; the token is held only as an
// Argon2id digest with a random salt.
type StaticVerifier struct {
	salt   []byte
	digest []byte
	email  string
	users  UserEnsurer
}

// NewStaticVerifier hashes the configured token. email identifies the local
// user every request resolves to.
func NewStaticVerifier(token, email string, users UserEnsurer) (*StaticVerifier, error) {
	if token == "" {
		return nil, fmt.Errorf("session: static token must not be empty: %w", model.ErrInvalidArgument)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("session: generate salt: %w", err)
	}
	return &StaticVerifier{
		salt:   salt,
		digest: argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen),
		email:  email,
		users:  users,
	}, nil
}

// Verify compares the presented token in constant time and resolves the
// local user.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (Identity, time.Time, error) {
	presented := argon2.IDKey([]byte(token), v.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	if subtle.ConstantTimeCompare(presented, v.digest) != 1 {
		return Identity{}, time.Time{}, fmt.Errorf("session: token mismatch: %w", model.ErrUnauthenticated)
	}
	u, err := v.users.EnsureUser(ctx, v.email, "Local User")
	if err != nil {
		return Identity{}, time.Time{}, err
	}
	return Identity{UserID: u.ID, Email: u.Email}, time.Time{}, nil
}
