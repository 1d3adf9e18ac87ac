package auth

import (
	"testing"
	"time"

	"github.com/agency-marketplace/backend/internal/rbac"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testSecret = "test-secret"

func TestGenerateAndParseJWT(t *testing.T) {
	userID := uuid.New()
	token, err := GenerateJWT(testSecret, userID, rbac.RoleAgency, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	claims, err := ParseJWT(testSecret, token)
	if err != nil {
		t.Fatalf("ParseJWT: %v", err)
	}
	if claims.UserID != userID || claims.Role != rbac.RoleAgency {
		t.Errorf("claims = %+v", claims)
	}
}

func TestGenerateJWT_RejectsSystemRole(t *testing.T) {
	if _, err := GenerateJWT(testSecret, uuid.New(), rbac.RoleSystem, time.Hour); err == nil {
		t.Fatal("expected error for system role")
	}
}

func signRaw(t *testing.T, claims Claims, method jwt.SigningMethod, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParseJWT_Invalid(t *testing.T) {
	valid := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		Issuer:    issuer,
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	foreign := valid
	foreign.Issuer = "someone-else"

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong secret", signRaw(t, Claims{UserID: uuid.New(), Role: rbac.RoleBusiness, RegisteredClaims: valid}, jwt.SigningMethodHS256, []byte("other"))},
		{"expired", signRaw(t, Claims{UserID: uuid.New(), Role: rbac.RoleBusiness, RegisteredClaims: expired}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"foreign issuer", signRaw(t, Claims{UserID: uuid.New(), Role: rbac.RoleBusiness, RegisteredClaims: foreign}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"system role", signRaw(t, Claims{UserID: uuid.New(), Role: rbac.RoleSystem, RegisteredClaims: valid}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no role", signRaw(t, Claims{UserID: uuid.New(), RegisteredClaims: valid}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no user", signRaw(t, Claims{Role: rbac.RoleAgency, RegisteredClaims: valid}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"alg none", signRaw(t, Claims{UserID: uuid.New(), Role: rbac.RoleAgency, RegisteredClaims: valid}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJWT(testSecret, tt.token); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
