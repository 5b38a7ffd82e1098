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

// Store owns the per-category issuance ledger. Every supply change goes
// through a transaction that also writes a token_events row.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// MintRecord is the per-pledge idempotency anchor: at most one row per
// pledge_id can ever exist, so a retried mint can never double-issue.
type MintRecord struct {
	PledgeID  string                `json:"pledge_id"`
	Category  domain.AssetCategory  `json:"category"`
	Recipient string                `json:"recipient"`
	Amount    int64                 `json:"amount"`
	Burned    bool                  `json:"burned"`
	MintedAt  time.Time             `json:"minted_at"`
}

type Supply struct {
	Category    domain.AssetCategory `json:"category"`
	Minted      int64                `json:"minted"`
	Burned      int64                `json:"burned"`
	Outstanding int64                `json:"outstanding"`
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS token_registry (
	category       TEXT PRIMARY KEY,
	authority_hash TEXT NOT NULL,
	registered_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS token_balances (
	category TEXT NOT NULL,
	holder   TEXT NOT NULL,
	balance  BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (category, holder)
);
CREATE TABLE IF NOT EXISTS token_mints (
	pledge_id TEXT PRIMARY KEY,
	category  TEXT NOT NULL,
	recipient TEXT NOT NULL,
	amount    BIGINT NOT NULL,
	burned    BOOLEAN NOT NULL DEFAULT false,
	minted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS token_events (
	event_id   TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor      TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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

// RegisterCategory binds a category to its minting authority. Set-once:
// a repeat registration is a no-op and reports created=false. Changing
// the authority goes through TransferAuthority so the change is logged.
func (s *Store) RegisterCategory(ctx context.Context, category domain.AssetCategory, authorityHash string) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO token_registry(category, authority_hash) VALUES($1,$2)
ON CONFLICT (category) DO NOTHING
`, category, authorityHash)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertEvent(ctx, tx, category, "CATEGORY_REGISTERED", "", nil); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// AuthorityHash returns the registered authority token hash for the
// category, or "" when the category has not been registered.
func (s *Store) AuthorityHash(ctx context.Context, category domain.AssetCategory) (string, error) {
	var h string
	err := s.DB.QueryRow(ctx, `
SELECT authority_hash FROM token_registry WHERE category=$1
`, category).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return h, nil
}

func (s *Store) TransferAuthority(ctx context.Context, category domain.AssetCategory, newHash, actor string) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE token_registry SET authority_hash=$1 WHERE category=$2
`, newHash, category)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertEvent(ctx, tx, category, "AUTHORITY_TRANSFERRED", actor, nil); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Mint issues tokens for a pledge. The token_mints insert is the
// idempotency gate: created=false means a mint for this pledge already
// happened and the returned record is the original one. The caller
// decides whether the replay matches or is a conflicting request.
func (s *Store) Mint(ctx context.Context, rec MintRecord) (*MintRecord, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO token_mints(pledge_id, category, recipient, amount)
VALUES($1,$2,$3,$4)
ON CONFLICT (pledge_id) DO NOTHING
`, rec.PledgeID, rec.Category, rec.Recipient, rec.Amount)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.mintByPledge(ctx, tx, rec.PledgeID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO token_balances(category, holder, balance) VALUES($1,$2,$3)
ON CONFLICT (category, holder) DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance
`, rec.Category, rec.Recipient, rec.Amount); err != nil {
		return nil, false, err
	}
	if err := insertEvent(ctx, tx, rec.Category, "TOKENS_MINTED", rec.Recipient, map[string]any{
		"pledge_id": rec.PledgeID, "amount": rec.Amount,
	}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	out := rec
	out.MintedAt = time.Now().UTC()
	return &out, true, nil
}

func (s *Store) mintByPledge(ctx context.Context, q pgx.Tx, pledgeID string) (*MintRecord, error) {
	var m MintRecord
	err := q.QueryRow(ctx, `
SELECT pledge_id, category, recipient, amount, burned, minted_at
FROM token_mints WHERE pledge_id=$1
`, pledgeID).Scan(&m.PledgeID, &m.Category, &m.Recipient, &m.Amount, &m.Burned, &m.MintedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Burn debits the holder. The pledge's mint row doubles as the burn
// idempotency anchor: a pledge already marked burned replays without
// touching the balance, so an escrow retrying a redemption after a crash
// can never debit twice. already=true reports a replay; ok then tells
// whether the replay matched the original mint. The balance guard runs
// in SQL so two concurrent fresh burns cannot overdraw.
func (s *Store) Burn(ctx context.Context, category domain.AssetCategory, from string, amount int64, pledgeID string) (ok, already bool, err error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback(ctx)

	if pledgeID != "" {
		// Lock the mint row so a concurrent retry serializes behind the
		// first burn and observes its committed burned flag.
		var m MintRecord
		err := tx.QueryRow(ctx, `
SELECT pledge_id, category, recipient, amount, burned, minted_at
FROM token_mints WHERE pledge_id=$1 FOR UPDATE
`, pledgeID).Scan(&m.PledgeID, &m.Category, &m.Recipient, &m.Amount, &m.Burned, &m.MintedAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return false, false, err
		}
		if err == nil && m.Burned {
			match := m.Category == category && m.Recipient == from && m.Amount == amount
			return match, true, nil
		}
	}

	tag, err := tx.Exec(ctx, `
UPDATE token_balances SET balance = balance - $1
WHERE category=$2 AND holder=$3 AND balance >= $1
`, amount, category, from)
	if err != nil {
		return false, false, err
	}
	if tag.RowsAffected() == 0 {
		return false, false, nil
	}
	if pledgeID != "" {
		if _, err := tx.Exec(ctx, `
UPDATE token_mints SET burned=true WHERE pledge_id=$1
`, pledgeID); err != nil {
			return false, false, err
		}
	}
	if err := insertEvent(ctx, tx, category, "TOKENS_BURNED", from, map[string]any{
		"pledge_id": pledgeID, "amount": amount,
	}); err != nil {
		return false, false, err
	}
	return true, false, tx.Commit(ctx)
}

// Transfer moves tokens between holders without changing supply. Same
// balance guard as Burn: zero rows affected means the sender was short
// and nothing changed.
func (s *Store) Transfer(ctx context.Context, category domain.AssetCategory, from, to string, amount int64) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE token_balances SET balance = balance - $1
WHERE category=$2 AND holder=$3 AND balance >= $1
`, amount, category, from)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO token_balances(category, holder, balance) VALUES($1,$2,$3)
ON CONFLICT (category, holder) DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance
`, category, to, amount); err != nil {
		return false, err
	}
	if err := insertEvent(ctx, tx, category, "TOKENS_TRANSFERRED", from, map[string]any{
		"from": from, "to": to, "amount": amount,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) Balance(ctx context.Context, category domain.AssetCategory, holder string) (int64, error) {
	var b int64
	err := s.DB.QueryRow(ctx, `
SELECT balance FROM token_balances WHERE category=$1 AND holder=$2
`, category, holder).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return b, err
}

// CategorySupply reports minted and burned totals from the mint ledger
// and the outstanding balance sum. Outstanding always equals minted
// minus burned because both sides change in the same transactions.
func (s *Store) CategorySupply(ctx context.Context, category domain.AssetCategory) (*Supply, error) {
	sup := Supply{Category: category}
	err := s.DB.QueryRow(ctx, `
SELECT COALESCE(SUM(amount),0), COALESCE(SUM(amount) FILTER (WHERE burned),0)
FROM token_mints WHERE category=$1
`, category).Scan(&sup.Minted, &sup.Burned)
	if err != nil {
		return nil, err
	}
	err = s.DB.QueryRow(ctx, `
SELECT COALESCE(SUM(balance),0) FROM token_balances WHERE category=$1
`, category).Scan(&sup.Outstanding)
	if err != nil {
		return nil, err
	}
	return &sup, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, category domain.AssetCategory, eventType, actor string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	b, _ := json.Marshal(payload)
	_, err := tx.Exec(ctx, `
INSERT INTO token_events(event_id, category, event_type, actor, payload)
VALUES($1,$2,$3,$4,$5::jsonb)
`, "evt_"+uuid.NewString(), category, eventType, actor, string(b))
	return err
}
