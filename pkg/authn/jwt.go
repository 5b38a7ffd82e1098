package authn

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleApprover = "APPROVER"

var ErrApproverRequired = errors.New("approver role required")

// ApproverClaims is the payload the identity provider signs for human
// administrators.
type ApproverClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// VerifyApprover parses and verifies an HS256 approver token and enforces
// the APPROVER role claim. The subject is the approver's actor ID.
func VerifyApprover(secret []byte, tokenString string) (*ApproverClaims, error) {
	claims := &ApproverClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	if claims.Role != RoleApprover {
		return nil, ErrApproverRequired
	}
	if claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// SignApprover mints an approver token. Production tokens come from the
// identity provider; this exists for the CLI and tests.
func SignApprover(secret []byte, subject string, ttl time.Duration) (string, error) {
	claims := ApproverClaims{
		Role: RoleApprover,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
