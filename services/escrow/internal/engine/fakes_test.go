package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/store"
)

// fakeRecords mirrors the store's compare-and-set semantics in memory: a
// transition commits only if the record still holds the expected status
// under the lock.
type fakeRecords struct {
	mu      sync.Mutex
	pledges map[string]*store.Pledge
	events  []store.Event

	failMarkMinted   int // fail the next N MarkTokensMinted calls
	failMarkRedeemed int // fail the next N MarkRedeemed calls
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{pledges: map[string]*store.Pledge{}}
}

func (f *fakeRecords) addEvent(pledgeID, eventType, oldS, newS, actor string) *store.Event {
	ev := store.Event{
		EventID:    "evt_" + uuid.NewString(),
		PledgeID:   pledgeID,
		EventType:  eventType,
		OldStatus:  oldS,
		NewStatus:  newS,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
	}
	f.events = append(f.events, ev)
	return &ev
}

func (f *fakeRecords) CreatePledge(ctx context.Context, p store.Pledge) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	cp.CreatedAt = time.Now().UTC()
	f.pledges[p.PledgeID] = &cp
	return f.addEvent(p.PledgeID, "PLEDGE_CREATED", "", string(domain.StatusPending), p.Owner), nil
}

func (f *fakeRecords) GetPledge(ctx context.Context, pledgeID string) (*store.Pledge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pledges[pledgeID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRecords) ListByOwner(ctx context.Context, owner string) ([]store.Pledge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Pledge
	for _, p := range f.pledges {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeRecords) cas(pledgeID string, from, to domain.PledgeStatus, mutate func(*store.Pledge)) bool {
	p, ok := f.pledges[pledgeID]
	if !ok || p.Status != from {
		return false
	}
	p.Status = to
	if mutate != nil {
		mutate(p)
	}
	return true
}

func (f *fakeRecords) ApprovePledge(ctx context.Context, pledgeID string, tokenAmount int64, approver string) (*store.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	ok := f.cas(pledgeID, domain.StatusPending, domain.StatusApproved, func(p *store.Pledge) {
		p.IssuedTokenAmount = tokenAmount
		p.Approver = &approver
		p.DecidedAt = &now
	})
	if !ok {
		return nil, false, nil
	}
	return f.addEvent(pledgeID, "PLEDGE_APPROVED", "PENDING", "APPROVED", approver), true, nil
}

func (f *fakeRecords) RejectPledge(ctx context.Context, pledgeID, reason, approver string) (*store.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	ok := f.cas(pledgeID, domain.StatusPending, domain.StatusRejected, func(p *store.Pledge) {
		p.RejectionReason = &reason
		p.Approver = &approver
		p.DecidedAt = &now
	})
	if !ok {
		return nil, false, nil
	}
	return f.addEvent(pledgeID, "PLEDGE_REJECTED", "PENDING", "REJECTED", approver), true, nil
}

func (f *fakeRecords) MarkTokensMinted(ctx context.Context, pledgeID, actor string, amount int64) (*store.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMarkMinted > 0 {
		f.failMarkMinted--
		return nil, false, errors.New("simulated write failure")
	}
	if !f.cas(pledgeID, domain.StatusApproved, domain.StatusTokensMinted, nil) {
		return nil, false, nil
	}
	return f.addEvent(pledgeID, "TOKENS_MINTED", "APPROVED", "TOKENS_MINTED", actor), true, nil
}

func (f *fakeRecords) MarkRedeemed(ctx context.Context, pledgeID, actor string, burnedAmount int64) (*store.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMarkRedeemed > 0 {
		f.failMarkRedeemed--
		return nil, false, errors.New("simulated write failure")
	}
	ok := f.cas(pledgeID, domain.StatusTokensMinted, domain.StatusRedeemed, func(p *store.Pledge) {
		p.IssuedTokenAmount = 0
	})
	if !ok {
		return nil, false, nil
	}
	return f.addEvent(pledgeID, "PLEDGE_REDEEMED", "TOKENS_MINTED", "REDEEMED", actor), true, nil
}

func (f *fakeRecords) MarkDefaulted(ctx context.Context, pledgeID, actor string) (*store.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cas(pledgeID, domain.StatusTokensMinted, domain.StatusDefaulted, nil) {
		return nil, false, nil
	}
	return f.addEvent(pledgeID, "PLEDGE_DEFAULTED", "TOKENS_MINTED", "DEFAULTED", actor), true, nil
}

func (f *fakeRecords) UpdateDocument(ctx context.Context, pledgeID, newFingerprint, actor string) (*store.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pledges[pledgeID]
	if !ok || p.Status != domain.StatusPending {
		return nil, false, nil
	}
	p.DocumentFingerprint = newFingerprint
	return f.addEvent(pledgeID, "DOCUMENT_UPDATED", "", "", actor), true, nil
}

func (f *fakeRecords) ListEvents(ctx context.Context, pledgeID string) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Event
	for _, ev := range f.events {
		if ev.PledgeID == pledgeID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// fakeLedger reproduces the token service's exactly-once mint per pledge
// and its burn semantics: balance-guarded on the first call, and an
// idempotent replay for a pledge already burned when the request matches
// the original mint (a mismatched replay is refused, never re-applied).
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64 // category/holder
	mints    map[string]int64 // pledgeID -> amount
	burned   map[string]bool
	mintN    int
	burnN    int // committed debits, replays excluded
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[string]int64{}, mints: map[string]int64{}, burned: map[string]bool{}}
}

func key(category domain.AssetCategory, holder string) string {
	return string(category) + "/" + holder
}

func (f *fakeLedger) balance(category domain.AssetCategory, holder string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[key(category, holder)]
}

func (f *fakeLedger) Mint(ctx context.Context, category domain.AssetCategory, to string, amount int64, pledgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount <= 0 {
		return domain.Validation(domain.CodeInvalidAmount, "mint amount must be positive")
	}
	if _, done := f.mints[pledgeID]; done {
		return nil // idempotent replay
	}
	f.mints[pledgeID] = amount
	f.balances[key(category, to)] += amount
	f.mintN++
	return nil
}

func (f *fakeLedger) Burn(ctx context.Context, category domain.AssetCategory, from string, amount int64, pledgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.burned[pledgeID] {
		if f.mints[pledgeID] != amount {
			return domain.Precondition(domain.CodeAmountMismatch, "pledge already burned with different parameters")
		}
		return nil // idempotent replay, balance untouched
	}
	k := key(category, from)
	if f.balances[k] < amount {
		return domain.Precondition(domain.CodeInsufficientBalance, "holder cannot supply %d", amount)
	}
	f.balances[k] -= amount
	f.burned[pledgeID] = true
	f.burnN++
	return nil
}

type fakeCerts struct {
	mu      sync.Mutex
	holders map[string]string // certID -> holder
	byCert  map[string]string // certID -> pledgeID
	mintN   int
}

func newFakeCerts() *fakeCerts {
	return &fakeCerts{holders: map[string]string{}, byCert: map[string]string{}}
}

func (f *fakeCerts) MintCertificate(ctx context.Context, owner, pledgeID string, category domain.AssetCategory, appraisedValue int64, documentFingerprint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	certID := "cert_" + uuid.NewString()
	f.holders[certID] = owner
	f.byCert[certID] = pledgeID
	f.mintN++
	return certID, nil
}

func (f *fakeCerts) TransferCustody(ctx context.Context, certificateID, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.holders[certificateID]; !ok {
		return domain.Precondition(domain.CodeNotFound, "certificate %s does not exist", certificateID)
	}
	f.holders[certificateID] = to
	return nil
}

func (f *fakeCerts) holder(certID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holders[certID]
}

type fakeWallets struct {
	valid bool
	err   error
	calls int
}

func (f *fakeWallets) CheckAddress(ctx context.Context, address string) (bool, error) {
	f.calls++
	return f.valid, f.err
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeSink) Deliver(ctx context.Context, eventID, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}
