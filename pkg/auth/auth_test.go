package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestValidateJWTRejects(t *testing.T) {
	good, err := GenerateJWT("user1", "acct-1", "u@example.com", "member", []byte("right"))
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	expired := signClaims(t, jwt.SigningMethodHS256, []byte("right"), &Claims{
		UserID:    "user1",
		AccountID: "acct-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	})

	cases := []struct {
		name   string
		token  string
		secret string
		want   error
	}{
		{"wrong secret", good, "wrong", ErrInvalidJWT},
		{"expired", expired, "right", ErrExpiredJWT},
		{"malformed", "not.a.jwt.at.all", "right", ErrInvalidJWT},
		{"empty", "", "right", ErrInvalidJWT},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := ValidateJWT(tc.token, []byte(tc.secret))
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
			if claims != nil {
				t.Fatalf("claims returned alongside error")
			}
		})
	}
}

func TestValidateJWTRejectsNoneAlgorithm(t *testing.T) {
	token := signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, &Claims{
		UserID:    "user1",
		AccountID: "acct-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := ValidateJWT(token, []byte("right"))
	if err == nil {
		t.Fatal("none-signed token accepted")
	}
	if !errors.Is(err, ErrInvalidJWT) && !strings.Contains(err.Error(), "signing method") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGenerateJWTRoundTrip(t *testing.T) {
	secret := []byte("s3cr3t")
	for _, accountID := range []string{"acct-1", ""} {
		token, err := GenerateJWT("user1", accountID, "u@example.com", "owner", secret)
		if err != nil {
			t.Fatalf("generate jwt: %v", err)
		}
		claims, err := ValidateJWT(token, secret)
		if err != nil {
			t.Fatalf("validate jwt: %v", err)
		}
		if claims.UserID != "user1" || claims.AccountID != accountID || claims.Role != "owner" {
			t.Fatalf("claims mismatch: %+v", claims)
		}
		if claims.ExpiresAt == nil || claims.IssuedAt == nil || !claims.ExpiresAt.After(claims.IssuedAt.Time) {
			t.Fatalf("bad lifetime: %+v", claims.RegisteredClaims)
		}
	}
}
