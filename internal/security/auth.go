// Package security handles API authentication: bcrypt password login, HMAC
// session tokens, proxy-aware client addressing and login rate limiting.
package security

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/logging"
)

const (
	tokenIssuer  = "birdframe"
	tokenSubject = "owner"
	shareSubject = "share"

	defaultSessionTTL = 24 * time.Hour
	defaultShareTTL   = 7 * 24 * time.Hour
)

// shareClaims scopes a token to a single detection.
type shareClaims struct {
	EventID string `json:"event_id"`
	jwt.RegisteredClaims
}

// Service issues and verifies session tokens against the current settings
// snapshot, so secret rotation takes effect without restart.
type Service struct {
	settings func() *conf.Settings
	logger   *slog.Logger
}

// NewService creates the authentication service.
func NewService(settings func() *conf.Settings) *Service {
	return &Service{
		settings: settings,
		logger:   logging.ForService("security"),
	}
}

// Enabled reports whether password authentication is configured. When it is
// not, every request runs with owner privileges.
func (s *Service) Enabled() bool {
	sec := s.settings().Security
	return sec.PasswordHash != "" && sec.JWTSecret != ""
}

// Login verifies the password and issues a signed session token.
func (s *Service) Login(password string) (token string, expiresAt time.Time, err error) {
	sec := s.settings().Security
	if sec.PasswordHash == "" || sec.JWTSecret == "" {
		return "", time.Time{}, errors.Newf("password authentication is not configured: %w", errors.ErrForbidden).
			Component("security").
			Category(errors.CategoryForbidden).
			Build()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(sec.PasswordHash), []byte(password)); err != nil {
		return "", time.Time{}, errors.Newf("invalid password: %w", errors.ErrUnauthorized).
			Component("security").
			Category(errors.CategoryUnauthorized).
			Build()
	}

	ttl := sec.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	now := time.Now()
	expiresAt = now.Add(ttl)

	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(sec.JWTSecret))
	if err != nil {
		return "", time.Time{}, errors.New(err).
			Component("security").
			Category(errors.CategoryUnauthorized).
			Build()
	}
	return token, expiresAt, nil
}

// VerifyToken checks the signature, issuer and expiry of a session token.
func (s *Service) VerifyToken(token string) error {
	secret := s.settings().Security.JWTSecret
	if secret == "" {
		return errors.Newf("no session secret configured: %w", errors.ErrUnauthorized).
			Component("security").
			Category(errors.CategoryUnauthorized).
			Build()
	}

	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(tokenSubject),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return errors.Newf("invalid session token: %w", errors.ErrUnauthorized).
			Component("security").
			Category(errors.CategoryUnauthorized).
			Build()
	}
	return nil
}

// CreateShareToken issues a token granting read access to a single detection
// and its media, regardless of guest visibility rules.
func (s *Service) CreateShareToken(eventID string) (token string, expiresAt time.Time, err error) {
	sec := s.settings().Security
	if sec.JWTSecret == "" {
		return "", time.Time{}, errors.Newf("no session secret configured: %w", errors.ErrForbidden).
			Component("security").
			Category(errors.CategoryForbidden).
			Build()
	}

	ttl := sec.ShareTTL
	if ttl <= 0 {
		ttl = defaultShareTTL
	}
	now := time.Now()
	expiresAt = now.Add(ttl)

	claims := shareClaims{
		EventID: eventID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   shareSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(sec.JWTSecret))
	if err != nil {
		return "", time.Time{}, errors.New(err).
			Component("security").
			Category(errors.CategoryUnauthorized).
			Build()
	}
	return token, expiresAt, nil
}

// VerifyShareToken returns the event id a share token grants access to.
func (s *Service) VerifyShareToken(token string) (string, error) {
	secret := s.settings().Security.JWTSecret
	if secret == "" || token == "" {
		return "", errors.Newf("invalid share token: %w", errors.ErrUnauthorized).
			Component("security").
			Category(errors.CategoryUnauthorized).
			Build()
	}

	claims := &shareClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(shareSubject),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.EventID == "" {
		return "", errors.Newf("invalid share token: %w", errors.ErrUnauthorized).
			Component("security").
			Category(errors.CategoryUnauthorized).
			Build()
	}
	return claims.EventID, nil
}

// TokenFromRequest extracts the session token from the Authorization header
// or, for EventSource clients that cannot set headers, the token query
// parameter.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Authenticate reports whether the request carries owner credentials. With
// authentication disabled everyone is the owner.
func (s *Service) Authenticate(r *http.Request) bool {
	if !s.Enabled() {
		return true
	}
	token := TokenFromRequest(r)
	if token == "" {
		return false
	}
	if err := s.VerifyToken(token); err != nil {
		s.logger.Debug("session token rejected", "remote", r.RemoteAddr)
		return false
	}
	return true
}
