package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when an access token cannot be decoded or
// lacks the claims the client relies on.
var ErrInvalidToken = errors.New("invalid token")

// Role is the account role carried in the access token.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the roles issued by the backend.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Claims is the payload of a backend-issued access token.
type Claims struct {
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Codec decodes access tokens. Signature verification is only possible when
// the HS256 secret shared with the backend is configured; without it the
// payload is read as-is and only its shape is checked.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec. An empty secret disables signature verification.
func NewCodec(secret string) *Codec {
	c := &Codec{}
	if secret != "" {
		c.secret = []byte(secret)
	}
	return c
}

// Verifies reports whether the codec checks token signatures.
func (c *Codec) Verifies() bool {
	return len(c.secret) > 0
}

// Decode parses the token and returns its claims. Expiry is not enforced
// here: callers compare Expiry against their own clock.
func (c *Codec) Decode(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims := &Claims{}
	if c.Verifies() {
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return c.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if !token.Valid {
			return nil, ErrInvalidToken
		}
	} else {
		parser := jwt.NewParser(jwt.WithoutClaimsValidation())
		if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}

// GenerateToken signs an access token with the codec secret. The backend is
// the normal issuer; this exists for local development and tests.
func (c *Codec) GenerateToken(subject string, role Role, issuedAt time.Time, ttl time.Duration) (string, error) {
	if !c.Verifies() {
		return "", errors.New("codec has no signing secret")
	}
	claims := &Claims{
		Role: role,
		Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}
