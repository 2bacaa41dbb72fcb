// Package testutil holds helpers shared by handler tests.
package testutil

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RickSF09/eva-sub001/pkg/auth"
)

// JWTTestHelper provides utilities for JWT testing
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// GenerateValidJWT generates a valid JWT token for testing
func (h *JWTTestHelper) GenerateValidJWT(userID, accountID, email, role string) (string, error) {
	return auth.GenerateJWT(userID, accountID, email, role, h.Secret)
}

// GenerateExpiredJWT generates a token that expired an hour ago
func (h *JWTTestHelper) GenerateExpiredJWT(userID, accountID, email, role string) (string, error) {
	claims := &auth.Claims{
		UserID:    userID,
		AccountID: accountID,
		Email:     email,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateJWTWithWrongSecret generates a JWT with wrong secret for testing
func (h *JWTTestHelper) GenerateJWTWithWrongSecret(userID, accountID, email, role string) (string, error) {
	return auth.GenerateJWT(userID, accountID, email, role, []byte("wrong-secret"))
}

// TestUser represents a test user for JWT generation
type TestUser struct {
	UserID    string
	AccountID string
	Email     string
	Role      string
}

// DefaultTestUser returns a default test user
func DefaultTestUser() TestUser {
	return TestUser{
		UserID:    "test-user-123",
		AccountID: "acct-test-456",
		Email:     "test@example.com",
		Role:      "user",
	}
}

// GenerateJWT generates a JWT for the test user
func (u TestUser) GenerateJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateValidJWT(u.UserID, u.AccountID, u.Email, u.Role)
}

// Authorize signs a token for u and sets it as the request's bearer token.
func (u TestUser) Authorize(helper *JWTTestHelper, req *http.Request) error {
	token, err := u.GenerateJWT(helper)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Test users for cross-account checks
var (
	TestUserAccount1 = TestUser{
		UserID:    "user-account1",
		AccountID: "acct-1",
		Email:     "user1@example.com",
		Role:      "user",
	}

	TestUserAccount2 = TestUser{
		UserID:    "user-account2",
		AccountID: "acct-2",
		Email:     "user2@example.com",
		Role:      "user",
	}
)
