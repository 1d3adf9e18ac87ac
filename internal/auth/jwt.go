package auth

import (
	"fmt"
	"time"

	"github.com/agency-marketplace/backend/internal/rbac"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "agency-marketplace"

type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Role   rbac.Role `json:"role"`
	jwt.RegisteredClaims
}

// GenerateJWT создаёт JWT с заданным временем жизни.
// expiration: время жизни токена (например 24h). Если <= 0, используется 24h.
func GenerateJWT(secret string, userID uuid.UUID, role rbac.Role, expiration time.Duration) (string, error) {
	if !rbac.IsUserRole(role) {
		return "", fmt.Errorf("role %q cannot be issued to a user", role)
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT verifies the token and its role claim. Tokens claiming the system
// role are rejected: only workers and webhooks act as system.
func ParseJWT(secret string, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("token has no user id")
	}
	if !rbac.IsUserRole(claims.Role) {
		return nil, fmt.Errorf("token role %q is not allowed", claims.Role)
	}
	return claims, nil
}
