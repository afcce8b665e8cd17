package security

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
)

func authSettings(t *testing.T, password string) func() *conf.Settings {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	s := &conf.Settings{}
	s.Security.PasswordHash = string(hash)
	s.Security.JWTSecret = "test-secret"
	s.Security.SessionTTL = time.Hour
	return func() *conf.Settings { return s }
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	t.Parallel()

	svc := NewService(authSettings(t, "hunter2"))

	token, expiresAt, err := svc.Login("hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 10*time.Second)

	assert.NoError(t, svc.VerifyToken(token))
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	t.Parallel()

	svc := NewService(authSettings(t, "hunter2"))

	_, _, err := svc.Login("letmein")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestLoginRequiresConfiguredHash(t *testing.T) {
	t.Parallel()

	s := &conf.Settings{}
	svc := NewService(func() *conf.Settings { return s })

	_, _, err := svc.Login("anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	t.Parallel()

	settings := authSettings(t, "hunter2")
	svc := NewService(settings)

	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(settings().Security.JWTSecret))
	require.NoError(t, err)

	assert.Error(t, svc.VerifyToken(expired))
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	svc := NewService(authSettings(t, "hunter2"))

	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	assert.Error(t, svc.VerifyToken(forged))
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/api/v1/events", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/api/v1/events", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, TokenFromRequest(r))

	// EventSource clients pass the token as a query parameter.
	r = httptest.NewRequest("GET", "/sse?token=abc.def.ghi", nil)
	assert.Equal(t, "abc.def.ghi", TokenFromRequest(r))
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	svc := NewService(authSettings(t, "hunter2"))
	token, _, err := svc.Login("hunter2")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/events", nil)
	assert.False(t, svc.Authenticate(r), "no credentials")

	r.Header.Set("Authorization", "Bearer "+token)
	assert.True(t, svc.Authenticate(r))

	r.Header.Set("Authorization", "Bearer bogus")
	assert.False(t, svc.Authenticate(r))

	// With no password configured everyone is the owner.
	open := NewService(func() *conf.Settings { return &conf.Settings{} })
	assert.True(t, open.Authenticate(httptest.NewRequest("GET", "/", nil)))
}

func TestShareTokenRoundTrip(t *testing.T) {
	t.Parallel()

	settings := authSettings(t, "hunter2")
	settings().Security.ShareTTL = time.Hour
	svc := NewService(settings)

	token, expiresAt, err := svc.CreateShareToken("evt-42")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 10*time.Second)

	eventID, err := svc.VerifyShareToken(token)
	require.NoError(t, err)
	assert.Equal(t, "evt-42", eventID)
}

func TestShareTokenIsNotASessionToken(t *testing.T) {
	t.Parallel()

	svc := NewService(authSettings(t, "hunter2"))

	share, _, err := svc.CreateShareToken("evt-42")
	require.NoError(t, err)
	assert.Error(t, svc.VerifyToken(share), "share token must not open a session")

	session, _, err := svc.Login("hunter2")
	require.NoError(t, err)
	_, err = svc.VerifyShareToken(session)
	assert.Error(t, err, "session token must not act as a share link")
}
