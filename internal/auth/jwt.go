// Package auth validates the identity service's HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the caller id either as user_id or as the subject.
type Claims struct {
	UserID int64 `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) userID() (int64, error) {
	if c.UserID > 0 {
		return c.UserID, nil
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

type Validator struct {
	secret []byte
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// ValidateToken checks the signature and expiry and returns the caller id.
func (v *Validator) ValidateToken(_ context.Context, tokenStr string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, ErrInvalidToken
	}
	return claims.userID()
}

// Issue signs a token for userID. Used by local tooling and tests; production
// tokens come from the identity service.
func (v *Validator) Issue(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ParseBearerToken extracts the token from an Authorization header value.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// UserIDUnverified reads the caller id from a token without checking its
// signature. Clients use it to learn who they are; servers must not.
func UserIDUnverified(tokenStr string) (int64, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return 0, errors.Join(ErrInvalidToken, err)
	}
	return claims.userID()
}
