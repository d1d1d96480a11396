// Package auth verifies bearer credentials issued by the platform auth
// service. This service never mints user tokens; it only validates the
// HMAC signature and extracts claims.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ScopeInternalService marks machine credentials used by collaborating
// backend services (orchestrator callbacks, history reads).
const ScopeInternalService = "internal:service"

// Claims are the verified token claims the rest of the service sees.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c *Claims) UserID() string {
	return c.Subject
}

// IsInternalService reports whether the credential carries the
// service-to-service scope.
func (c *Claims) IsInternalService() bool {
	for _, scope := range strings.Fields(c.Scope) {
		if scope == ScopeInternalService {
			return true
		}
	}
	return false
}

// Authenticator validates HS256 bearer tokens against the shared
// secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate parses and verifies a raw token string.
func (a *Authenticator) Authenticate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("missing credential")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid credential")
	}
	if !token.Valid {
		return nil, errors.New("invalid credential")
	}
	if claims.Subject == "" {
		return nil, errors.New("credential missing subject")
	}
	return claims, nil
}

// ExtractBearer pulls the token out of an Authorization header value.
func ExtractBearer(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
