package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"phishsim/config"
)

// OperatorClaims identifies the tenant an operator session acts for.
// Authentication is a yes/no gate here; session issuance lives with the
// identity provider.
type OperatorClaims struct {
	TenantID uint `json:"tenant_id"`
	jwt.RegisteredClaims
}

func GenerateOperatorToken(tenantID uint) (string, error) {
	claims := &OperatorClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey())
}

func ParseOperatorToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return signingKey(), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func signingKey() []byte {
	secret := config.AppConfig.SecretKey
	if secret == "" {
		secret = DevFallbackSecret
	}
	return []byte(secret)
}
