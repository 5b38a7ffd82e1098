// Package authn authenticates the two caller populations the escrow
// distinguishes: machine callers (pledge owners, sibling services) holding
// database-backed bearer tokens, and human approvers holding short-lived
// JWTs minted by the identity provider.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is a resolved bearer credential.
type Identity struct {
	SubjectID string
	Roles     []string
}

// AuthenticateBearer resolves an Authorization header against the
// api_credentials table. Tokens are stored hashed; a revoked credential
// stops matching immediately.
func AuthenticateBearer(ctx context.Context, db *pgxpool.Pool, authorization string) (*Identity, error) {
	token, ok := ParseBearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	var out Identity
	err := db.QueryRow(ctx, `
SELECT subject_id,roles
FROM api_credentials
WHERE token_hash=$1
  AND revoked_at IS NULL
`, HashToken(token)).Scan(&out.SubjectID, &out.Roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return &out, nil
}

func HasRole(roles []string, required string) bool {
	for _, r := range roles {
		if r == required {
			return true
		}
	}
	return false
}

// LogAuthFailure records a rejected call. Authority failures are
// security-relevant events, so they land in their own table rather than
// the pledge audit trail.
func LogAuthFailure(ctx context.Context, db *pgxpool.Pool, service, endpoint, subjectID, reason string, details map[string]any) {
	b, _ := json.Marshal(details)
	_, _ = db.Exec(ctx, `
INSERT INTO auth_failures(service,endpoint,subject_id,reason,details)
VALUES($1,$2,$3,$4,$5::jsonb)
`, service, endpoint, subjectID, reason, string(b))
}

func ParseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
