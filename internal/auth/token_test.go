package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestSignParseRoundTrip(t *testing.T) {
	tok, err := Sign(secret, AuthContext{AccountID: 42, Role: RoleAdmin}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	ac, err := Parse(secret, tok)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ac.AccountID != 42 || ac.Role != RoleAdmin {
		t.Errorf("Parse() = %+v, want account 42 admin", ac)
	}
}

func TestParseRejects(t *testing.T) {
	now := time.Now()
	expired, _ := Sign(secret, AuthContext{AccountID: 1, Role: RoleMember}, time.Minute, now.Add(-time.Hour))
	wrongKey, _ := Sign([]byte("another-secret-another-secret-xx"), AuthContext{AccountID: 1}, time.Hour, now)
	badRole, _ := Sign(secret, AuthContext{AccountID: 1, Role: "owner"}, time.Hour, now)
	badSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString(secret)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1"},
	}).SignedString(secret)
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"garbage":     "not-a-token",
		"expired":     expired,
		"wrong key":   wrongKey,
		"bad role":    badRole,
		"bad subject": badSubject,
		"no expiry":   noExpiry,
		"alg none":    noneAlg,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(secret, tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestParseDefaultsRole(t *testing.T) {
	tok, _ := Sign(secret, AuthContext{AccountID: 3}, time.Hour, time.Now())
	ac, err := Parse(secret, tok)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ac.Role != RoleMember {
		t.Errorf("Role = %q, want %q", ac.Role, RoleMember)
	}
}
