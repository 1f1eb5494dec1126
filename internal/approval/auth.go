package approval

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the approver's JWT is malformed or its
	// signature does not verify.
	ErrInvalidToken = errors.New("approval: invalid token")
	// ErrExpiredToken is returned when the approver's JWT has expired.
	ErrExpiredToken = errors.New("approval: token expired")
)

// Claims identify an authenticated approver.
type Claims struct {
	Approver string `json:"approver"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed approver token.
func GenerateToken(approver string, secret []byte, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Approver: approver,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken parses and verifies an approver token.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// JWTSecret reads the shared secret from the environment. Empty means dev
// mode: connections pass unauthenticated.
func JWTSecret() []byte {
	s := os.Getenv("WARDEN_JWT_SECRET")
	if s == "" {
		return nil
	}
	return []byte(s)
}
