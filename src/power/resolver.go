package power

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/stake-plus/govengine/src/types"
	"gorm.io/gorm"
)

// BalanceProvider is the external balance/stake collaborator.
type BalanceProvider interface {
	GetVotingPower(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error)
	GetTotalPower(ctx context.Context, asOf time.Time) (decimal.Decimal, error)
}

// Resolver reads voting power from the balance provider as of a proposal's
// snapshot time (voting window start). Provider failures are treated as
// transient and retried locally; a voter whose power cannot be resolved may
// not vote.
type Resolver struct {
	db       *gorm.DB
	provider BalanceProvider
	timeout  time.Duration
	attempts int
}

func NewResolver(db *gorm.DB, provider BalanceProvider, timeout time.Duration) *Resolver {
	return &Resolver{db: db, provider: provider, timeout: timeout, attempts: 3}
}

// Resolve returns the voter's power at the proposal's snapshot time.
// eligible is false for zero or negative power.
func (r *Resolver) Resolve(ctx context.Context, voterID string, proposalID uint64) (decimal.Decimal, bool, error) {
	var prop types.Proposal
	if err := r.db.First(&prop, "id = ?", proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, false, types.ErrNotFound
		}
		return decimal.Zero, false, err
	}

	power, err := r.ResolveAt(ctx, voterID, prop.VotingStartTime)
	if err != nil {
		return decimal.Zero, false, err
	}
	return power, power.IsPositive(), nil
}

// ResolveAt reads an account's power at a fixed instant, retrying transient
// provider failures.
func (r *Resolver) ResolveAt(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error) {
	var power decimal.Decimal
	err := r.withRetry(ctx, func(callCtx context.Context) error {
		var err error
		power, err = r.provider.GetVotingPower(callCtx, accountID, asOf)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return power, nil
}

// TotalEligible returns electorate-wide power at asOf, used to snapshot a
// proposal's eligibility denominator at activation.
func (r *Resolver) TotalEligible(ctx context.Context, asOf time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.withRetry(ctx, func(callCtx context.Context) error {
		var err error
		total, err = r.provider.GetTotalPower(callCtx, asOf)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// EligibleToPropose checks the minimum-stake and deposit requirements of the
// rule against the proposer's current power.
func (r *Resolver) EligibleToPropose(ctx context.Context, accountID string, rule types.GovernanceRule) (bool, error) {
	power, err := r.ResolveAt(ctx, accountID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if rule.MinStakeToPropose.IsPositive() && power.LessThan(rule.MinStakeToPropose) {
		return false, nil
	}
	if rule.ProposalDeposit.IsPositive() && power.LessThan(rule.ProposalDeposit) {
		return false, nil
	}
	return true, nil
}

// withRetry runs fn up to r.attempts times with jittered backoff. Context
// cancellation stops the loop immediately; everything else from the provider
// counts as transient.
func (r *Resolver) withRetry(ctx context.Context, fn func(context.Context) error) error {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		log.Printf("power: provider call failed (attempt %d/%d): %v", attempt+1, r.attempts, err)

		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return types.Transient(lastErr)
}
