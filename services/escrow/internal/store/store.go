// Package store owns the collateral records. Every lifecycle transition is
// a single guarded UPDATE on status executed in the same transaction as its
// audit event insert, so a racing caller observes either the old row or the
// committed transition, never an in-between.
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

type Pledge struct {
	PledgeID            string               `json:"pledge_id"`
	Owner               string               `json:"owner"`
	Category            domain.AssetCategory `json:"category"`
	AppraisedValue      int64                `json:"appraised_value"`
	DocumentFingerprint string               `json:"document_fingerprint"`
	MetadataRef         string               `json:"metadata_ref,omitempty"`
	IssuedTokenAmount   int64                `json:"issued_token_amount"`
	Status              domain.PledgeStatus  `json:"status"`
	CertificateID       string               `json:"certificate_id"`
	Approver            *string              `json:"approver,omitempty"`
	RejectionReason     *string              `json:"rejection_reason,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	DecidedAt           *time.Time           `json:"decided_at,omitempty"`
}

type Event struct {
	EventID    string          `json:"event_id"`
	PledgeID   string          `json:"pledge_id"`
	EventType  string          `json:"event_type"`
	OldStatus  string          `json:"old_status,omitempty"`
	NewStatus  string          `json:"new_status,omitempty"`
	Actor      string          `json:"actor"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS collateral_records (
	pledge_id            TEXT PRIMARY KEY,
	owner                TEXT NOT NULL,
	category             TEXT NOT NULL,
	appraised_value      BIGINT NOT NULL CHECK (appraised_value > 0),
	document_fingerprint TEXT NOT NULL,
	metadata_ref         TEXT NOT NULL DEFAULT '',
	issued_token_amount  BIGINT NOT NULL DEFAULT 0,
	status               TEXT NOT NULL,
	certificate_id       TEXT NOT NULL,
	approver             TEXT,
	rejection_reason     TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	decided_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS collateral_records_owner_idx ON collateral_records(owner);

CREATE TABLE IF NOT EXISTS pledge_events (
	event_id    TEXT PRIMARY KEY,
	pledge_id   TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	old_status  TEXT,
	new_status  TEXT,
	actor       TEXT NOT NULL,
	payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS pledge_events_pledge_idx ON pledge_events(pledge_id, occurred_at);

CREATE TABLE IF NOT EXISTS document_history (
	pledge_id            TEXT NOT NULL,
	superseded_fingerprint TEXT NOT NULL,
	replaced_by          TEXT NOT NULL,
	actor                TEXT NOT NULL,
	superseded_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS escrow_idempotency_records (
	subject_id      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	response_status INT NOT NULL,
	response_body   JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (subject_id, idempotency_key, endpoint)
);

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

func NewPledgeID() string { return "plg_" + uuid.NewString() }

// CreatePledge inserts the record in PENDING together with its creation
// event. The certificate is minted by the caller before this commit; a
// failed insert leaves at most an orphan certificate, never a record
// without one.
func (s *Store) CreatePledge(ctx context.Context, p Pledge) (*Event, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO collateral_records(pledge_id,owner,category,appraised_value,document_fingerprint,metadata_ref,status,certificate_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
`, p.PledgeID, p.Owner, string(p.Category), p.AppraisedValue, p.DocumentFingerprint, p.MetadataRef, string(domain.StatusPending), p.CertificateID)
	if err != nil {
		return nil, err
	}
	ev, err := insertEvent(ctx, tx, p.PledgeID, "PLEDGE_CREATED", "", string(domain.StatusPending), p.Owner, map[string]any{
		"category":         string(p.Category),
		"appraised_value":  p.AppraisedValue,
		"certificate_id":   p.CertificateID,
		"document_fingerprint": p.DocumentFingerprint,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Store) GetPledge(ctx context.Context, pledgeID string) (*Pledge, error) {
	var p Pledge
	var category, status string
	err := s.DB.QueryRow(ctx, `
SELECT pledge_id,owner,category,appraised_value,document_fingerprint,metadata_ref,issued_token_amount,status,certificate_id,approver,rejection_reason,created_at,decided_at
FROM collateral_records
WHERE pledge_id=$1
`, pledgeID).Scan(&p.PledgeID, &p.Owner, &category, &p.AppraisedValue, &p.DocumentFingerprint, &p.MetadataRef,
		&p.IssuedTokenAmount, &status, &p.CertificateID, &p.Approver, &p.RejectionReason, &p.CreatedAt, &p.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Category = domain.AssetCategory(category)
	p.Status = domain.PledgeStatus(status)
	return &p, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]Pledge, error) {
	rows, err := s.DB.Query(ctx, `
SELECT pledge_id,owner,category,appraised_value,document_fingerprint,metadata_ref,issued_token_amount,status,certificate_id,approver,rejection_reason,created_at,decided_at
FROM collateral_records
WHERE owner=$1
ORDER BY created_at DESC
`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Pledge
	for rows.Next() {
		var p Pledge
		var category, status string
		if err := rows.Scan(&p.PledgeID, &p.Owner, &category, &p.AppraisedValue, &p.DocumentFingerprint, &p.MetadataRef,
			&p.IssuedTokenAmount, &status, &p.CertificateID, &p.Approver, &p.RejectionReason, &p.CreatedAt, &p.DecidedAt); err != nil {
			return nil, err
		}
		p.Category = domain.AssetCategory(category)
		p.Status = domain.PledgeStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApprovePledge is the PENDING -> APPROVED compare-and-set. The returned
// bool is false when the guard matched no row, meaning another decision
// committed first.
func (s *Store) ApprovePledge(ctx context.Context, pledgeID string, tokenAmount int64, approver string) (*Event, bool, error) {
	return s.transition(ctx, pledgeID, "PLEDGE_APPROVED", domain.StatusPending, domain.StatusApproved, approver,
		map[string]any{"token_amount": tokenAmount},
		`UPDATE collateral_records
SET status=$1, issued_token_amount=$2, approver=$3, decided_at=now()
WHERE pledge_id=$4 AND status=$5`,
		string(domain.StatusApproved), tokenAmount, approver, pledgeID, string(domain.StatusPending))
}

func (s *Store) RejectPledge(ctx context.Context, pledgeID, reason, approver string) (*Event, bool, error) {
	return s.transition(ctx, pledgeID, "PLEDGE_REJECTED", domain.StatusPending, domain.StatusRejected, approver,
		map[string]any{"reason": reason},
		`UPDATE collateral_records
SET status=$1, rejection_reason=$2, approver=$3, decided_at=now()
WHERE pledge_id=$4 AND status=$5`,
		string(domain.StatusRejected), reason, approver, pledgeID, string(domain.StatusPending))
}

func (s *Store) MarkTokensMinted(ctx context.Context, pledgeID, actor string, amount int64) (*Event, bool, error) {
	return s.transition(ctx, pledgeID, "TOKENS_MINTED", domain.StatusApproved, domain.StatusTokensMinted, actor,
		map[string]any{"token_amount": amount},
		`UPDATE collateral_records
SET status=$1
WHERE pledge_id=$2 AND status=$3`,
		string(domain.StatusTokensMinted), pledgeID, string(domain.StatusApproved))
}

// MarkRedeemed zeroes issued_token_amount; the burned quantity stays
// reconstructable from the event payload and the token ledger.
func (s *Store) MarkRedeemed(ctx context.Context, pledgeID, actor string, burnedAmount int64) (*Event, bool, error) {
	return s.transition(ctx, pledgeID, "PLEDGE_REDEEMED", domain.StatusTokensMinted, domain.StatusRedeemed, actor,
		map[string]any{"burned_amount": burnedAmount},
		`UPDATE collateral_records
SET status=$1, issued_token_amount=0
WHERE pledge_id=$2 AND status=$3`,
		string(domain.StatusRedeemed), pledgeID, string(domain.StatusTokensMinted))
}

func (s *Store) MarkDefaulted(ctx context.Context, pledgeID, actor string) (*Event, bool, error) {
	return s.transition(ctx, pledgeID, "PLEDGE_DEFAULTED", domain.StatusTokensMinted, domain.StatusDefaulted, actor,
		map[string]any{},
		`UPDATE collateral_records
SET status=$1
WHERE pledge_id=$2 AND status=$3`,
		string(domain.StatusDefaulted), pledgeID, string(domain.StatusTokensMinted))
}

func (s *Store) transition(ctx context.Context, pledgeID, eventType string, from, to domain.PledgeStatus, actor string, payload map[string]any, sql string, args ...any) (*Event, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		return nil, false, nil
	}
	ev, err := insertEvent(ctx, tx, pledgeID, eventType, string(from), string(to), actor, payload)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

// UpdateDocument supersedes the fingerprint while the record is still
// PENDING, preserving the prior value in document_history. Returns false
// when the record has already left PENDING.
func (s *Store) UpdateDocument(ctx context.Context, pledgeID, newFingerprint, actor string) (*Event, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var prior string
	err = tx.QueryRow(ctx, `
SELECT document_fingerprint FROM collateral_records
WHERE pledge_id=$1 AND status=$2
FOR UPDATE
`, pledgeID, string(domain.StatusPending)).Scan(&prior)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO document_history(pledge_id,superseded_fingerprint,replaced_by,actor)
VALUES($1,$2,$3,$4)
`, pledgeID, prior, newFingerprint, actor); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `
UPDATE collateral_records SET document_fingerprint=$1 WHERE pledge_id=$2
`, newFingerprint, pledgeID); err != nil {
		return nil, false, err
	}
	ev, err := insertEvent(ctx, tx, pledgeID, "DOCUMENT_UPDATED", "", "", actor, map[string]any{
		"superseded_fingerprint": prior,
		"document_fingerprint":   newFingerprint,
	})
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func (s *Store) ListEvents(ctx context.Context, pledgeID string) ([]Event, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id,pledge_id,event_type,COALESCE(old_status,''),COALESCE(new_status,''),actor,payload,occurred_at
FROM pledge_events
WHERE pledge_id=$1
ORDER BY occurred_at ASC
`, pledgeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.EventID, &ev.PledgeID, &ev.EventType, &ev.OldStatus, &ev.NewStatus, &ev.Actor, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, subjectID, key, endpoint string) (int, []byte, bool, error) {
	var status int
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status,response_body
FROM escrow_idempotency_records
WHERE subject_id=$1 AND idempotency_key=$2 AND endpoint=$3
`, subjectID, key, endpoint).Scan(&status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return status, body, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, subjectID, key, endpoint string, responseStatus int, responseBody []byte) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO escrow_idempotency_records(subject_id,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (subject_id,idempotency_key,endpoint) DO NOTHING
`, subjectID, key, endpoint, responseStatus, string(responseBody))
	return err
}

func insertEvent(ctx context.Context, tx pgx.Tx, pledgeID, eventType, oldStatus, newStatus, actor string, payload map[string]any) (*Event, error) {
	b, _ := json.Marshal(payload)
	ev := Event{
		EventID:    "evt_" + uuid.NewString(),
		PledgeID:   pledgeID,
		EventType:  eventType,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		Actor:      actor,
		Payload:    b,
		OccurredAt: time.Now().UTC(),
	}
	_, err := tx.Exec(ctx, `
INSERT INTO pledge_events(event_id,pledge_id,event_type,old_status,new_status,actor,payload,occurred_at)
VALUES($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7::jsonb,$8)
`, ev.EventID, ev.PledgeID, ev.EventType, ev.OldStatus, ev.NewStatus, ev.Actor, string(b), ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
