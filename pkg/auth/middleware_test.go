package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/RickSF09/eva-sub001/pkg/ctxkeys"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newProtectedRouter(t *testing.T, secret []byte) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(JWTAuthMiddleware(secret))
	r.GET("/ok", func(c *gin.Context) {
		if AccountID(c) != "acct-1" {
			t.Errorf("expected account acct-1 on gin context, got %q", AccountID(c))
		}
		if ctxkeys.GetAccountID(c.Request.Context()) != "acct-1" {
			t.Errorf("expected account acct-1 on request context")
		}
		c.String(http.StatusOK, "ok")
	})
	return r
}

func serve(r *gin.Engine, header string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ok", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestJWTAuthMiddleware(t *testing.T) {
	secret := []byte("secret")
	token, err := GenerateJWT("u1", "acct-1", "u@example.com", "admin", secret)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	r := newProtectedRouter(t, secret)

	if code := serve(r, ""); code != http.StatusUnauthorized {
		t.Fatalf("missing header: expected 401, got %d", code)
	}
	if code := serve(r, "Token abc"); code != http.StatusUnauthorized {
		t.Fatalf("malformed header: expected 401, got %d", code)
	}
	if code := serve(r, "Bearer not-a-jwt"); code != http.StatusUnauthorized {
		t.Fatalf("invalid token: expected 401, got %d", code)
	}
	if code := serve(r, "Bearer "+token); code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", code)
	}
}

func TestJWTAuthMiddlewareRejectsMissingAccount(t *testing.T) {
	secret := []byte("secret")
	token, err := GenerateJWT("u1", "", "u@example.com", "member", secret)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	if code := serve(newProtectedRouter(t, secret), "Bearer "+token); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for token without account, got %d", code)
	}
}

func TestValidateJWTExpired(t *testing.T) {
	secret := []byte("secret")
	claims := &Claims{
		UserID:    "u1",
		AccountID: "acct-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateJWT(token, secret); err != ErrExpiredJWT {
		t.Fatalf("expected ErrExpiredJWT, got %v", err)
	}
}

func TestValidateJWTWrongSecret(t *testing.T) {
	token, err := GenerateJWT("u1", "acct-1", "", "", []byte("a"))
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	if _, err := ValidateJWT(token, []byte("b")); err != ErrInvalidJWT {
		t.Fatalf("expected ErrInvalidJWT, got %v", err)
	}
}
