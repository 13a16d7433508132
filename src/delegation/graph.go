package delegation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stake-plus/govengine/src/power"
	"github.com/stake-plus/govengine/src/types"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// Graph maintains the delegation edges and resolves delegated power. Depth is
// fixed at one: delegated power is never re-delegated, so cycle prevention is
// a single reciprocal-edge check at write time.
type Graph struct {
	db       *gorm.DB
	resolver *power.Resolver
}

func NewGraph(db *gorm.DB, resolver *power.Resolver) *Graph {
	return &Graph{db: db, resolver: resolver}
}

// CreateRequest carries the optional fields of a new delegation.
type CreateRequest struct {
	Delegator        string
	Delegate         string
	Scope            types.ProposalType // empty = all types
	Reason           string
	MaxDelegationPct decimal.Decimal // zero = no cap
	ExpiresAt        *time.Time
	AutoRenew        bool
}

// Create validates and writes a delegation edge. A prior active edge for the
// same (delegator, scope) is revoked in the same transaction.
func (g *Graph) Create(ctx context.Context, req CreateRequest) (*types.VotingDelegation, error) {
	if req.Delegator == "" || req.Delegate == "" {
		return nil, types.NewValidationError("delegator", "delegator and delegate are required")
	}
	if req.Delegator == req.Delegate {
		return nil, types.NewValidationError("delegate", "cannot delegate to self")
	}
	if req.Scope != "" && !validType(req.Scope) {
		return nil, types.NewValidationError("scope", fmt.Sprintf("unknown proposal type %q", req.Scope))
	}
	if req.MaxDelegationPct.IsNegative() || req.MaxDelegationPct.GreaterThan(hundred) {
		return nil, types.NewValidationError("maxDelegationPct", "must be between 0 and 100")
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now().UTC()) {
		return nil, types.NewValidationError("expiresAt", "already in the past")
	}

	if err := g.checkRuleAllows(req.Scope); err != nil {
		return nil, err
	}

	edge := types.VotingDelegation{
		Delegator:        req.Delegator,
		Delegate:         req.Delegate,
		Scope:            req.Scope,
		Active:           types.EdgeActive(),
		Reason:           req.Reason,
		MaxDelegationPct: req.MaxDelegationPct,
		ExpiresAt:        req.ExpiresAt,
		AutoRenew:        req.AutoRenew,
		CreatedAt:        time.Now().UTC(),
	}

	err := g.db.Transaction(func(tx *gorm.DB) error {
		// Reciprocal edge check: B -> A already active for an overlapping
		// scope means A -> B would form a two-node cycle.
		var reciprocal []types.VotingDelegation
		if err := tx.Where("delegator = ? AND delegate = ? AND active = ?",
			req.Delegate, req.Delegator, true).Find(&reciprocal).Error; err != nil {
			return err
		}
		for _, r := range reciprocal {
			if scopesOverlap(r.Scope, req.Scope) {
				return types.NewValidationError("delegate", "reciprocal delegation would form a cycle")
			}
		}

		// Re-delegating a scope revokes the prior edge. Active goes to NULL
		// so the revoked row leaves the unique index.
		now := time.Now().UTC()
		if err := tx.Model(&types.VotingDelegation{}).
			Where("delegator = ? AND scope = ? AND active = ?", req.Delegator, req.Scope, true).
			Updates(map[string]interface{}{
				"active":     nil,
				"revoked_at": now,
				"revoked_by": req.Delegator,
			}).Error; err != nil {
			return err
		}

		return tx.Create(&edge).Error
	})
	if err != nil {
		return nil, err
	}

	log.Printf("delegation: %s -> %s created (scope=%q)", req.Delegator, req.Delegate, req.Scope)
	return &edge, nil
}

// Revoke deactivates an edge. Revoking an already-revoked edge is an error;
// power already reflected in cast votes is untouched.
func (g *Graph) Revoke(ctx context.Context, delegationID uint64, actor string) (*types.VotingDelegation, error) {
	var edge types.VotingDelegation
	if err := g.db.First(&edge, "id = ?", delegationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	if !edge.IsActive() {
		return nil, types.NewValidationError("delegation", "already revoked")
	}

	now := time.Now().UTC()
	res := g.db.Model(&types.VotingDelegation{}).
		Where("id = ? AND active = ?", delegationID, true).
		Updates(map[string]interface{}{"active": nil, "revoked_at": now, "revoked_by": actor})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, types.NewValidationError("delegation", "already revoked")
	}

	edge.Active = nil
	edge.RevokedAt = &now
	edge.RevokedBy = actor
	return &edge, nil
}

// ResolveDelegatedPower sums the power a delegate may cast on behalf of
// others for one proposal: every active, unexpired edge covering the
// proposal's type whose delegator has no direct vote on that proposal.
// Balances are read live, not at the proposal snapshot.
func (g *Graph) ResolveDelegatedPower(ctx context.Context, delegateID string, proposalID uint64) (decimal.Decimal, error) {
	var prop types.Proposal
	if err := g.db.First(&prop, "id = ?", proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, types.ErrNotFound
		}
		return decimal.Zero, err
	}

	var edges []types.VotingDelegation
	if err := g.db.Where("delegate = ? AND active = ?", delegateID, true).Find(&edges).Error; err != nil {
		return decimal.Zero, err
	}

	now := time.Now().UTC()
	total := decimal.Zero
	for _, edge := range edges {
		if !edge.Covers(prop.Type) {
			continue
		}
		if edge.ExpiresAt != nil && !edge.AutoRenew && edge.ExpiresAt.Before(now) {
			continue
		}

		// A direct vote by the delegator overrides the delegation for this
		// proposal only.
		var direct int64
		if err := g.db.Model(&types.Vote{}).
			Where("proposal_id = ? AND voter_id = ?", proposalID, edge.Delegator).
			Count(&direct).Error; err != nil {
			return decimal.Zero, err
		}
		if direct > 0 {
			continue
		}

		p, err := g.resolver.ResolveAt(ctx, edge.Delegator, now)
		if err != nil {
			return decimal.Zero, err
		}
		if !p.IsPositive() {
			continue
		}
		if edge.MaxDelegationPct.IsPositive() {
			capped := p.Mul(edge.MaxDelegationPct).Div(hundred)
			if capped.LessThan(p) {
				p = capped
			}
		}
		total = total.Add(p)
	}

	return total, nil
}

// ListForDelegator returns the delegator's edges, active first.
func (g *Graph) ListForDelegator(delegator string) ([]types.VotingDelegation, error) {
	var edges []types.VotingDelegation
	err := g.db.Where("delegator = ?", delegator).
		Order("active DESC, created_at DESC").Find(&edges).Error
	return edges, err
}

// checkRuleAllows validates the new edge against the AllowDelegation flag of
// the active rules. A scoped edge needs its type's rule to allow delegation;
// a type-agnostic edge is refused only when no active rule allows it.
func (g *Graph) checkRuleAllows(scope types.ProposalType) error {
	if scope != "" {
		var rule types.GovernanceRule
		err := g.db.First(&rule, "proposal_type = ? AND active = ?", scope, true).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.NewValidationError("scope", "no active governance rule for proposal type")
		}
		if err != nil {
			return err
		}
		if !rule.AllowDelegation {
			return types.NewValidationError("scope", "delegation disabled for proposal type")
		}
		return nil
	}

	var allowed int64
	if err := g.db.Model(&types.GovernanceRule{}).
		Where("active = ? AND allow_delegation = ?", true, true).
		Count(&allowed).Error; err != nil {
		return err
	}
	if allowed == 0 {
		return types.NewValidationError("scope", "delegation disabled by every active rule")
	}
	return nil
}

func scopesOverlap(a, b types.ProposalType) bool {
	return a == "" || b == "" || a == b
}

func validType(t types.ProposalType) bool {
	for _, known := range types.AllProposalTypes {
		if t == known {
			return true
		}
	}
	return false
}
