// Package store owns the custody certificates: the non-fungible records
// binding one certificate to one pledge. The pledge back-reference is
// immutable and unique, so a second mint for the same pledge can only
// return the existing certificate.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

type Certificate struct {
	CertificateID       string               `json:"certificate_id"`
	PledgeID            string               `json:"pledge_id"`
	Owner               string               `json:"owner"`
	CurrentHolder       string               `json:"current_holder"`
	Category            domain.AssetCategory `json:"category"`
	AppraisedValue      int64                `json:"appraised_value"`
	DocumentFingerprint string               `json:"document_fingerprint"`
	Verified            bool                 `json:"verified"`
	VerifiedBy          *string              `json:"verified_by,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS custody_certificates (
	certificate_id       TEXT PRIMARY KEY,
	pledge_id            TEXT NOT NULL UNIQUE,
	owner                TEXT NOT NULL,
	current_holder       TEXT NOT NULL,
	category             TEXT NOT NULL,
	appraised_value      BIGINT NOT NULL,
	document_fingerprint TEXT NOT NULL,
	verified             BOOLEAN NOT NULL DEFAULT false,
	verified_by          TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS custody_events (
	event_id       TEXT PRIMARY KEY,
	certificate_id TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	actor          TEXT NOT NULL,
	payload        JSONB NOT NULL DEFAULT '{}'::jsonb,
	occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS custody_events_cert_idx ON custody_events(certificate_id, occurred_at);

CREATE TABLE IF NOT EXISTS api_credentials (
	token_hash TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	roles      TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS auth_failures (
	service    TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	subject_id TEXT,
	reason     TEXT NOT NULL,
	details    JSONB NOT NULL DEFAULT '{}'::jsonb,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	return err
}

// Mint inserts the certificate, or returns the existing one when the
// pledge already has a certificate. The second return reports whether a
// new row was created.
func (s *Store) Mint(ctx context.Context, c Certificate) (*Certificate, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO custody_certificates(certificate_id,pledge_id,owner,current_holder,category,appraised_value,document_fingerprint)
VALUES($1,$2,$3,$3,$4,$5,$6)
ON CONFLICT (pledge_id) DO NOTHING
`, c.CertificateID, c.PledgeID, c.Owner, string(c.Category), c.AppraisedValue, c.DocumentFingerprint)
	if err != nil {
		return nil, false, err
	}
	created := tag.RowsAffected() > 0
	if created {
		if err := insertEvent(ctx, tx, c.CertificateID, "CERTIFICATE_MINTED", c.Owner, map[string]any{
			"pledge_id": c.PledgeID,
			"category":  string(c.Category),
		}); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	out, err := s.GetByPledge(ctx, c.PledgeID)
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func NewCertificateID() string { return "cert_" + uuid.NewString() }

func (s *Store) Get(ctx context.Context, certificateID string) (*Certificate, error) {
	return s.getWhere(ctx, `certificate_id=$1`, certificateID)
}

func (s *Store) GetByPledge(ctx context.Context, pledgeID string) (*Certificate, error) {
	return s.getWhere(ctx, `pledge_id=$1`, pledgeID)
}

func (s *Store) getWhere(ctx context.Context, where string, arg any) (*Certificate, error) {
	var c Certificate
	var category string
	err := s.DB.QueryRow(ctx, `
SELECT certificate_id,pledge_id,owner,current_holder,category,appraised_value,document_fingerprint,verified,verified_by,created_at
FROM custody_certificates
WHERE `+where, arg).Scan(&c.CertificateID, &c.PledgeID, &c.Owner, &c.CurrentHolder, &category,
		&c.AppraisedValue, &c.DocumentFingerprint, &c.Verified, &c.VerifiedBy, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Category = domain.AssetCategory(category)
	return &c, nil
}

// Verify marks the certificate verified exactly once; false means it was
// already verified.
func (s *Store) Verify(ctx context.Context, certificateID, verifier string) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE custody_certificates
SET verified=true, verified_by=$1
WHERE certificate_id=$2 AND verified=false
`, verifier, certificateID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertEvent(ctx, tx, certificateID, "CERTIFICATE_VERIFIED", verifier, map[string]any{}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// TransferCustody moves the holder. Transferring to the current holder is
// a no-op success so the escrow can retry mint and redeem flows safely.
func (s *Store) TransferCustody(ctx context.Context, certificateID, to, actor string) (*Certificate, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var from string
	err = tx.QueryRow(ctx, `
SELECT current_holder FROM custody_certificates WHERE certificate_id=$1 FOR UPDATE
`, certificateID).Scan(&from)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if from != to {
		if _, err := tx.Exec(ctx, `
UPDATE custody_certificates SET current_holder=$1 WHERE certificate_id=$2
`, to, certificateID); err != nil {
			return nil, err
		}
		if err := insertEvent(ctx, tx, certificateID, "CUSTODY_TRANSFERRED", actor, map[string]any{
			"from": from, "to": to,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.Get(ctx, certificateID)
}

func insertEvent(ctx context.Context, tx pgx.Tx, certificateID, eventType, actor string, payload map[string]any) error {
	b, _ := json.Marshal(payload)
	_, err := tx.Exec(ctx, `
INSERT INTO custody_events(event_id,certificate_id,event_type,actor,payload)
VALUES($1,$2,$3,$4,$5::jsonb)
`, "evt_"+uuid.NewString(), certificateID, eventType, actor, string(b))
	return err
}
