// Package engine is the pledge lifecycle state machine. It orchestrates
// the collateral record store, the custody certificate issuer, and the
// issuance token ledger; every public method returns either a result or a
// typed domain error the HTTP layer maps to a status.
package engine

import (
	"context"
	"log"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/dochash"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/store"
)

type RecordStore interface {
	CreatePledge(ctx context.Context, p store.Pledge) (*store.Event, error)
	GetPledge(ctx context.Context, pledgeID string) (*store.Pledge, error)
	ListByOwner(ctx context.Context, owner string) ([]store.Pledge, error)
	ApprovePledge(ctx context.Context, pledgeID string, tokenAmount int64, approver string) (*store.Event, bool, error)
	RejectPledge(ctx context.Context, pledgeID, reason, approver string) (*store.Event, bool, error)
	MarkTokensMinted(ctx context.Context, pledgeID, actor string, amount int64) (*store.Event, bool, error)
	MarkRedeemed(ctx context.Context, pledgeID, actor string, burnedAmount int64) (*store.Event, bool, error)
	MarkDefaulted(ctx context.Context, pledgeID, actor string) (*store.Event, bool, error)
	UpdateDocument(ctx context.Context, pledgeID, newFingerprint, actor string) (*store.Event, bool, error)
	ListEvents(ctx context.Context, pledgeID string) ([]store.Event, error)
}

type TokenLedger interface {
	Mint(ctx context.Context, category domain.AssetCategory, to string, amount int64, pledgeID string) error
	Burn(ctx context.Context, category domain.AssetCategory, from string, amount int64, pledgeID string) error
}

type CertificateIssuer interface {
	MintCertificate(ctx context.Context, owner, pledgeID string, category domain.AssetCategory, appraisedValue int64, documentFingerprint string) (string, error)
	TransferCustody(ctx context.Context, certificateID, to string) error
}

// WalletChecker is the custodial wallet provider boundary. Its verdict is
// advisory: an invalid or unreachable check never blocks pledge creation.
type WalletChecker interface {
	CheckAddress(ctx context.Context, address string) (bool, error)
}

// EventSink receives committed transition events. Delivery is best-effort.
type EventSink interface {
	Deliver(ctx context.Context, eventID, eventType string, payload any) error
}

type Config struct {
	// MinAppraisedValue is the smallest appraisal accepted, in the
	// smallest currency unit.
	MinAppraisedValue int64
	// LTVCeilingBps caps issuance as basis points of the appraised value.
	// Enforced on every approval path, never inferred per category.
	LTVCeilingBps int64
	// CustodyAddress holds locked certificates while tokens circulate.
	CustodyAddress string
}

type Engine struct {
	cfg     Config
	records RecordStore
	tokens  TokenLedger
	certs   CertificateIssuer
	wallets WalletChecker
	sink    EventSink
}

func New(cfg Config, records RecordStore, tokens TokenLedger, certs CertificateIssuer, wallets WalletChecker, sink EventSink) *Engine {
	return &Engine{cfg: cfg, records: records, tokens: tokens, certs: certs, wallets: wallets, sink: sink}
}

type CreatePledgeInput struct {
	Owner               string
	Category            domain.AssetCategory
	AppraisedValue      int64
	DocumentFingerprint string
	MetadataRef         string
}

func (e *Engine) CreatePledge(ctx context.Context, in CreatePledgeInput) (*store.Pledge, error) {
	if !domain.ValidCategory(in.Category) {
		return nil, domain.Validation(domain.CodeInvalidCategory, "unknown asset category %q", in.Category)
	}
	if in.AppraisedValue < e.cfg.MinAppraisedValue {
		return nil, domain.Validation(domain.CodeValueBelowMinimum, "appraised value %d below minimum %d", in.AppraisedValue, e.cfg.MinAppraisedValue)
	}
	if !dochash.Valid(in.DocumentFingerprint) {
		return nil, domain.Validation(domain.CodeInvalidFingerprint, "document fingerprint must be %s<64 hex>", dochash.Prefix)
	}

	if e.wallets != nil {
		valid, err := e.wallets.CheckAddress(ctx, in.Owner)
		if err != nil {
			log.Printf("escrow: wallet check unavailable for %s: %v", in.Owner, err)
		} else if !valid {
			log.Printf("escrow: wallet provider flagged owner address %s", in.Owner)
		}
	}

	pledgeID := store.NewPledgeID()
	certificateID, err := e.certs.MintCertificate(ctx, in.Owner, pledgeID, in.Category, in.AppraisedValue, in.DocumentFingerprint)
	if err != nil {
		return nil, asResource(err, domain.CodeCustodyService, "certificate mint failed")
	}

	p := store.Pledge{
		PledgeID:            pledgeID,
		Owner:               in.Owner,
		Category:            in.Category,
		AppraisedValue:      in.AppraisedValue,
		DocumentFingerprint: in.DocumentFingerprint,
		MetadataRef:         in.MetadataRef,
		Status:              domain.StatusPending,
		CertificateID:       certificateID,
	}
	ev, err := e.records.CreatePledge(ctx, p)
	if err != nil {
		return nil, domain.Resource(domain.CodeDBError, "create pledge: %v", err)
	}
	e.emit(ctx, ev)
	return e.records.GetPledge(ctx, pledgeID)
}

func (e *Engine) ApprovePledge(ctx context.Context, pledgeID string, tokenAmount int64, approver string) error {
	p, err := e.getExisting(ctx, pledgeID)
	if err != nil {
		return err
	}
	if tokenAmount <= 0 {
		return domain.Validation(domain.CodeInvalidAmount, "token amount must be positive")
	}
	if !domain.WithinLTVCeiling(p.AppraisedValue, tokenAmount, e.cfg.LTVCeilingBps) {
		return domain.Validation(domain.CodeLTVCeilingExceeded, "token amount %d exceeds %d bps of appraised value %d (max %d)",
			tokenAmount, e.cfg.LTVCeilingBps, p.AppraisedValue, domain.MaxIssuable(p.AppraisedValue, e.cfg.LTVCeilingBps))
	}
	ev, ok, err := e.records.ApprovePledge(ctx, pledgeID, tokenAmount, approver)
	if err != nil {
		return domain.Resource(domain.CodeDBError, "approve pledge: %v", err)
	}
	if !ok {
		return domain.Precondition(domain.CodeNotPending, "pledge %s is not pending", pledgeID)
	}
	e.emit(ctx, ev)
	return nil
}

func (e *Engine) RejectPledge(ctx context.Context, pledgeID, reason, approver string) error {
	if _, err := e.getExisting(ctx, pledgeID); err != nil {
		return err
	}
	ev, ok, err := e.records.RejectPledge(ctx, pledgeID, reason, approver)
	if err != nil {
		return domain.Resource(domain.CodeDBError, "reject pledge: %v", err)
	}
	if !ok {
		return domain.Precondition(domain.CodeNotPending, "pledge %s is not pending", pledgeID)
	}
	e.emit(ctx, ev)
	return nil
}

// MintTokens issues the approved amount. The token ledger's per-pledge
// mint record makes the remote call replay-safe, so a crash between the
// mint and the status write is recovered by calling this again.
func (e *Engine) MintTokens(ctx context.Context, pledgeID, actor string) error {
	p, err := e.getExisting(ctx, pledgeID)
	if err != nil {
		return err
	}
	switch p.Status {
	case domain.StatusApproved:
	case domain.StatusTokensMinted:
		return domain.Precondition(domain.CodeAlreadyMinted, "tokens already minted for pledge %s", pledgeID)
	default:
		return domain.Precondition(domain.CodeNotApproved, "pledge %s is %s, not approved", pledgeID, p.Status)
	}

	if err := e.tokens.Mint(ctx, p.Category, p.Owner, p.IssuedTokenAmount, pledgeID); err != nil {
		return asResource(err, domain.CodeTokenService, "token mint failed")
	}
	// Lock the certificate while tokens circulate.
	if err := e.certs.TransferCustody(ctx, p.CertificateID, e.cfg.CustodyAddress); err != nil {
		return asResource(err, domain.CodeCustodyService, "certificate custody transfer failed")
	}

	ev, ok, err := e.records.MarkTokensMinted(ctx, pledgeID, actor, p.IssuedTokenAmount)
	if err != nil {
		return domain.Resource(domain.CodeDBError, "mark minted: %v", err)
	}
	if !ok {
		// A concurrent call completed the transition after our read.
		return domain.Precondition(domain.CodeAlreadyMinted, "tokens already minted for pledge %s", pledgeID)
	}
	e.emit(ctx, ev)
	return nil
}

// RedeemPledge is all-or-nothing: burnAmount must equal the issued amount.
func (e *Engine) RedeemPledge(ctx context.Context, pledgeID string, burnAmount int64, actor string) error {
	p, err := e.getExisting(ctx, pledgeID)
	if err != nil {
		return err
	}
	if p.Status != domain.StatusTokensMinted {
		return domain.Precondition(domain.CodeNotMinted, "pledge %s is %s, tokens are not outstanding", pledgeID, p.Status)
	}
	if burnAmount != p.IssuedTokenAmount {
		return domain.Precondition(domain.CodeAmountMismatch, "burn amount %d does not match issued amount %d", burnAmount, p.IssuedTokenAmount)
	}

	if err := e.tokens.Burn(ctx, p.Category, p.Owner, burnAmount, pledgeID); err != nil {
		return asResource(err, domain.CodeTokenService, "token burn failed")
	}
	// Release custody back to the owner.
	if err := e.certs.TransferCustody(ctx, p.CertificateID, p.Owner); err != nil {
		return asResource(err, domain.CodeCustodyService, "certificate release failed")
	}

	ev, ok, err := e.records.MarkRedeemed(ctx, pledgeID, actor, burnAmount)
	if err != nil {
		return domain.Resource(domain.CodeDBError, "mark redeemed: %v", err)
	}
	if !ok {
		return domain.Precondition(domain.CodeNotMinted, "pledge %s already left TOKENS_MINTED", pledgeID)
	}
	e.emit(ctx, ev)
	return nil
}

func (e *Engine) MarkDefaulted(ctx context.Context, pledgeID, actor string) error {
	if _, err := e.getExisting(ctx, pledgeID); err != nil {
		return err
	}
	ev, ok, err := e.records.MarkDefaulted(ctx, pledgeID, actor)
	if err != nil {
		return domain.Resource(domain.CodeDBError, "mark defaulted: %v", err)
	}
	if !ok {
		return domain.Precondition(domain.CodeNotMinted, "pledge %s has no outstanding tokens to default on", pledgeID)
	}
	e.emit(ctx, ev)
	return nil
}

// UpdateDocument supersedes the appraisal fingerprint while the pledge is
// still PENDING. After a decision the approved fingerprint is part of the
// issuance anchor and can no longer change.
func (e *Engine) UpdateDocument(ctx context.Context, pledgeID, newFingerprint, actor string) error {
	if !dochash.Valid(newFingerprint) {
		return domain.Validation(domain.CodeInvalidFingerprint, "document fingerprint must be %s<64 hex>", dochash.Prefix)
	}
	if _, err := e.getExisting(ctx, pledgeID); err != nil {
		return err
	}
	ev, ok, err := e.records.UpdateDocument(ctx, pledgeID, newFingerprint, actor)
	if err != nil {
		return domain.Resource(domain.CodeDBError, "update document: %v", err)
	}
	if !ok {
		return domain.Precondition(domain.CodeNotPending, "pledge %s is not pending", pledgeID)
	}
	e.emit(ctx, ev)
	return nil
}

func (e *Engine) GetPledgeInfo(ctx context.Context, pledgeID string) (*store.Pledge, error) {
	return e.getExisting(ctx, pledgeID)
}

func (e *Engine) GetPledgesByOwner(ctx context.Context, owner string) ([]store.Pledge, error) {
	out, err := e.records.ListByOwner(ctx, owner)
	if err != nil {
		return nil, domain.Resource(domain.CodeDBError, "list pledges: %v", err)
	}
	return out, nil
}

func (e *Engine) ListEvents(ctx context.Context, pledgeID string) ([]store.Event, error) {
	if _, err := e.getExisting(ctx, pledgeID); err != nil {
		return nil, err
	}
	out, err := e.records.ListEvents(ctx, pledgeID)
	if err != nil {
		return nil, domain.Resource(domain.CodeDBError, "list events: %v", err)
	}
	return out, nil
}

func (e *Engine) getExisting(ctx context.Context, pledgeID string) (*store.Pledge, error) {
	p, err := e.records.GetPledge(ctx, pledgeID)
	if err != nil {
		return nil, domain.Resource(domain.CodeDBError, "get pledge: %v", err)
	}
	if p == nil {
		return nil, domain.Precondition(domain.CodeNotFound, "pledge %s does not exist", pledgeID)
	}
	return p, nil
}

func (e *Engine) emit(ctx context.Context, ev *store.Event) {
	if e.sink == nil || ev == nil {
		return
	}
	if err := e.sink.Deliver(ctx, ev.EventID, ev.EventType, ev); err != nil {
		log.Printf("escrow: audit delivery failed for %s (%s): %v", ev.EventID, ev.EventType, err)
	}
}

// asResource keeps a typed error from a sibling service intact and wraps
// anything else as a retriable resource failure.
func asResource(err error, code, msg string) error {
	if de, ok := domain.AsError(err); ok {
		return de
	}
	return domain.Resource(code, "%s: %v", msg, err)
}
