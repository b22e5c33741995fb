package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"arcanabot/internal/ttlcache"
	"arcanabot/pkg/domain"
	"arcanabot/pkg/store"
)

var (
	ErrInvalidIdentity = errors.New("ledger: identity must be positive")
	ErrInvalidAmount   = errors.New("ledger: amount must be positive")
)

// SignupGrantKey marks the one-time onboarding bonus.
const SignupGrantKey = "signup-bonus"

// LinkedClient is the RPC surface of the linked-account service. Resolve
// reports found=false for identities without a canonical account.
type LinkedClient interface {
	Resolve(ctx context.Context, identity int64) (accountID string, found bool, err error)
	Consume(ctx context.Context, accountID string, creditType domain.CreditType, amount int64) (bool, error)
	Refund(ctx context.Context, accountID string, creditType domain.CreditType, amount int64) error
	Balance(ctx context.Context, accountID string, creditType domain.CreditType) (int64, error)
}

// accountShape is the resolved routing decision for an identity. Exactly one
// of the two shapes applies per call; every ledger entry point branches over
// it exhaustively.
type accountShape struct {
	linked    bool
	accountID string
}

// Ledger routes credit operations to the legacy store-backed surface or the
// linked-account RPC surface, caching the per-identity resolution.
type Ledger struct {
	store  store.Store
	linked LinkedClient
	links  *ttlcache.Cache[int64, accountShape]

	signupBonus int64
}

type Options struct {
	// LinkCacheTTL bounds how long a shape resolution may be reused.
	LinkCacheTTL time.Duration
	// SignupBonusCredits is the one-time onboarding grant amount.
	SignupBonusCredits int64
}

// New constructs a ledger. linked may be nil when no account service is
// deployed; every identity then uses the legacy shape.
func New(dataStore store.Store, linked LinkedClient, opts Options) *Ledger {
	ttl := opts.LinkCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	bonus := opts.SignupBonusCredits
	if bonus <= 0 {
		bonus = 1
	}
	return &Ledger{
		store:       dataStore,
		linked:      linked,
		links:       ttlcache.New[int64, accountShape](ttl, 4096),
		signupBonus: bonus,
	}
}

// Close releases the resolution cache sweep goroutine.
func (l *Ledger) Close() { l.links.Close() }

// InvalidateLink drops the cached shape for an identity. Called when a
// linking event is observed so the next call re-resolves immediately.
func (l *Ledger) InvalidateLink(identity int64) { l.links.Delete(identity) }

// HasBalance reports whether the identity can afford amount without
// consuming anything.
func (l *Ledger) HasBalance(ctx context.Context, identity int64, creditType domain.CreditType, amount int64) (bool, error) {
	if err := validate(identity, amount); err != nil {
		return false, err
	}
	balance, err := l.Balance(ctx, identity, creditType)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Consume atomically decrements the balance iff sufficient. Insufficiency is
// reported as (false, nil), not as an error.
func (l *Ledger) Consume(ctx context.Context, identity int64, creditType domain.CreditType, amount int64) (bool, error) {
	if err := validate(identity, amount); err != nil {
		return false, err
	}
	shape := l.resolve(ctx, identity)
	switch {
	case shape.linked:
		return l.linked.Consume(ctx, shape.accountID, creditType, amount)
	default:
		return l.store.Consume(ctx, identity, creditType, amount)
	}
}

// Refund atomically increments the balance. Idempotency is the caller's
// responsibility.
func (l *Ledger) Refund(ctx context.Context, identity int64, creditType domain.CreditType, amount int64) error {
	if err := validate(identity, amount); err != nil {
		return err
	}
	shape := l.resolve(ctx, identity)
	switch {
	case shape.linked:
		return l.linked.Refund(ctx, shape.accountID, creditType, amount)
	default:
		return l.store.Refund(ctx, identity, creditType, amount)
	}
}

// Balance returns the current balance for the identity and credit type.
func (l *Ledger) Balance(ctx context.Context, identity int64, creditType domain.CreditType) (int64, error) {
	if identity <= 0 {
		return 0, ErrInvalidIdentity
	}
	shape := l.resolve(ctx, identity)
	switch {
	case shape.linked:
		return l.linked.Balance(ctx, shape.accountID, creditType)
	default:
		return l.store.Balance(ctx, identity, creditType)
	}
}

// GrantResult reports what a one-time grant call actually did.
type GrantResult struct {
	Granted        bool
	AlreadyGranted bool
	Amount         int64
}

// GrantSignupBonus credits the onboarding bonus at most once per identity.
// Safe to call on every /start.
func (l *Ledger) GrantSignupBonus(ctx context.Context, identity int64) (GrantResult, error) {
	if identity <= 0 {
		return GrantResult{}, ErrInvalidIdentity
	}
	newly, err := l.store.GrantOnce(ctx, identity, SignupGrantKey, domain.CreditBasic, l.signupBonus)
	if err != nil {
		return GrantResult{}, fmt.Errorf("grant signup bonus: %w", err)
	}
	return GrantResult{Granted: newly, AlreadyGranted: !newly, Amount: l.signupBonus}, nil
}

// resolve decides which surface serves an identity. Both "no linked account"
// and a failed lookup resolve to the legacy shape so a secondary outage
// cannot take the ledger down; a failed lookup is not cached.
func (l *Ledger) resolve(ctx context.Context, identity int64) accountShape {
	if shape, ok := l.links.Get(identity); ok {
		return shape
	}
	if l.linked == nil {
		shape := accountShape{}
		l.links.Set(identity, shape)
		return shape
	}
	accountID, found, err := l.linked.Resolve(ctx, identity)
	if err != nil {
		slog.Warn("link resolution failed; routing to legacy surface", "identity", identity, "error", err)
		return accountShape{}
	}
	shape := accountShape{}
	if found {
		shape = accountShape{linked: true, accountID: accountID}
	}
	l.links.Set(identity, shape)
	return shape
}

func validate(identity, amount int64) error {
	if identity <= 0 {
		return ErrInvalidIdentity
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
