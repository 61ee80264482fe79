package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the bearer token claims. Subject carries the account ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Sign issues an HS256 token. Token issuance belongs to the identity
// service; this exists for operators and tests.
func Sign(secret []byte, ac AuthContext, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role: ac.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(ac.AccountID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Parse verifies an HS256 token and returns the caller it identifies.
func Parse(secret []byte, token string) (AuthContext, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return AuthContext{}, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	role := claims.Role
	switch role {
	case RoleAdmin, RoleMember:
	case "":
		role = RoleMember
	default:
		return AuthContext{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	return AuthContext{AccountID: id, Role: role}, nil
}
