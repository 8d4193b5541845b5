package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSessionSecret = errors.New("session secret is empty")
	ErrInvalidToken  = errors.New("invalid session token")
)

// SessionClaims identify the signed-in user behind a session bearer token.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// SessionToken signs and verifies the HS256 session JWTs issued by the
// sign-in layer and presented on authenticated routes.
type SessionToken struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewSessionToken builds a token helper using the provided secret.
func NewSessionToken(secretKey string) *SessionToken {
	return &SessionToken{
		secretKey: []byte(secretKey),
		ttl:       24 * time.Hour,
		now:       time.Now,
	}
}

// WithTTL allows customising the expiration duration.
func (st *SessionToken) WithTTL(ttl time.Duration) *SessionToken {
	if ttl > 0 {
		st.ttl = ttl
	}
	return st
}

// WithClock replaces the clock used for iat/exp and validation.
func (st *SessionToken) WithClock(now func() time.Time) *SessionToken {
	if now != nil {
		st.now = now
	}
	return st
}

// GenerateToken issues a session JWT for userID.
func (st *SessionToken) GenerateToken(userID string) (string, error) {
	if len(st.secretKey) == 0 {
		return "", ErrSessionSecret
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := st.now()
	claims := SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(st.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(st.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates tokenString and returns the user it was issued to.
func (st *SessionToken) VerifyToken(tokenString string) (string, error) {
	if len(st.secretKey) == 0 {
		return "", ErrSessionSecret
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return st.secretKey, nil
	}, jwt.WithTimeFunc(st.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}
