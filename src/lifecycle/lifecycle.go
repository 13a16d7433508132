package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stake-plus/govengine/src/audit"
	"github.com/stake-plus/govengine/src/power"
	"github.com/stake-plus/govengine/src/tally"
	"github.com/stake-plus/govengine/src/types"
	"gorm.io/gorm"
)

// transitions is the full set of legal status moves. Everything else is
// rejected; statuses never move backwards.
var transitions = map[types.ProposalStatus][]types.ProposalStatus{
	types.ProposalStatusPending:  {types.ProposalStatusActive, types.ProposalStatusCancelled, types.ProposalStatusExpired},
	types.ProposalStatusActive:   {types.ProposalStatusApproved, types.ProposalStatusRejected, types.ProposalStatusCancelled, types.ProposalStatusExpired},
	types.ProposalStatusApproved: {types.ProposalStatusExecuted, types.ProposalStatusCancelled, types.ProposalStatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to types.ProposalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine owns every proposal status write. Transitions use conditional
// updates on the current status so that concurrent instances racing on the
// same proposal resolve to exactly one winner; losers see types.ErrLostRace,
// which callers treat as a no-op.
type Machine struct {
	db           *gorm.DB
	tally        *tally.Evaluator
	resolver     *power.Resolver
	sink         audit.Sink
	safetyWindow time.Duration
}

func NewMachine(db *gorm.DB, evaluator *tally.Evaluator, resolver *power.Resolver, sink audit.Sink, safetyWindow time.Duration) *Machine {
	return &Machine{db: db, tally: evaluator, resolver: resolver, sink: sink, safetyWindow: safetyWindow}
}

// Transition moves one proposal from -> to with a conditional update.
func (m *Machine) Transition(ctx context.Context, proposalID uint64, from, to types.ProposalStatus) error {
	if !CanTransition(from, to) {
		return types.NewValidationError("status", fmt.Sprintf("illegal transition %s -> %s", from, to))
	}

	res := m.db.Model(&types.Proposal{}).
		Where("id = ? AND status = ?", proposalID, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrLostRace
	}

	m.sink.Publish(ctx, audit.Event{Kind: "proposal." + string(to), ProposalID: proposalID})
	log.Printf("lifecycle: proposal %d %s -> %s", proposalID, from, to)
	return nil
}

// ActivateDue opens voting on Pending proposals whose window has started,
// snapshotting the total eligible power denominator at activation.
func (m *Machine) ActivateDue(ctx context.Context, now time.Time) error {
	var due []types.Proposal
	if err := m.db.Where("status = ? AND voting_start_time <= ?", types.ProposalStatusPending, now).
		Find(&due).Error; err != nil {
		return err
	}

	for _, prop := range due {
		total, err := m.resolver.TotalEligible(ctx, prop.VotingStartTime)
		if err != nil {
			// Transient: the proposal stays Pending for the next cycle.
			log.Printf("lifecycle: total power for proposal %d unavailable: %v", prop.ID, err)
			continue
		}

		res := m.db.Model(&types.Proposal{}).
			Where("id = ? AND status = ?", prop.ID, types.ProposalStatusPending).
			Updates(map[string]interface{}{
				"status":               types.ProposalStatusActive,
				"total_eligible_power": total,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue // another instance won
		}
		m.sink.Publish(ctx, audit.Event{Kind: "proposal.activated", ProposalID: prop.ID})
		log.Printf("lifecycle: proposal %d activated (eligible power %s)", prop.ID, total)
	}
	return nil
}

// CloseDue evaluates Active proposals whose voting window has ended. Approved
// requires quorum and approval both met; anything else, including zero
// participation, closes as Rejected. Running twice is harmless: the second
// evaluation loses the conditional update and moves on.
func (m *Machine) CloseDue(ctx context.Context, now time.Time) error {
	var due []types.Proposal
	if err := m.db.Where("status = ? AND voting_end_time <= ?", types.ProposalStatusActive, now).
		Find(&due).Error; err != nil {
		return err
	}

	for _, prop := range due {
		if err := m.close(ctx, prop); err != nil && !errors.Is(err, types.ErrLostRace) {
			return err
		}
	}
	return nil
}

func (m *Machine) close(ctx context.Context, prop types.Proposal) error {
	snap, err := m.tally.Evaluate(prop.ID)
	if err != nil {
		return fmt.Errorf("close proposal %d: %w", prop.ID, err)
	}

	to := types.ProposalStatusRejected
	if snap.Passed() {
		to = types.ProposalStatusApproved
	}
	err = m.Transition(ctx, prop.ID, types.ProposalStatusActive, to)
	if err == nil {
		log.Printf("lifecycle: proposal %d closed %s (quorum %s%%, approval %s%%)",
			prop.ID, to, snap.QuorumPct.StringFixed(2), snap.ApprovalPct.StringFixed(2))
	}
	return err
}

// EarlyCloseDue closes Emergency proposals before their window ends when the
// rule allows it and the Approve weight alone is decisive.
func (m *Machine) EarlyCloseDue(ctx context.Context, now time.Time) error {
	var open []types.Proposal
	if err := m.db.Where("status = ? AND type = ? AND voting_end_time > ?",
		types.ProposalStatusActive, types.ProposalTypeEmergency, now).
		Find(&open).Error; err != nil {
		return err
	}

	for _, prop := range open {
		var rule types.GovernanceRule
		if err := m.db.First(&rule, "id = ?", prop.RuleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return err
		}
		if !rule.AllowEarlyClose {
			continue
		}

		snap, err := m.tally.Evaluate(prop.ID)
		if err != nil {
			return err
		}
		if !tally.DecisiveSupermajority(prop, snap) {
			continue
		}
		if err := m.Transition(ctx, prop.ID, types.ProposalStatusActive, types.ProposalStatusApproved); err != nil {
			if errors.Is(err, types.ErrLostRace) {
				continue
			}
			return err
		}
		log.Printf("lifecycle: emergency proposal %d closed early on decisive supermajority", prop.ID)
	}
	return nil
}

// ExpireStalled forces Pending and Active proposals to Expired once they sit
// unresolved past the safety window after their voting end. Defense against a
// stalled evaluator, not part of the normal path.
func (m *Machine) ExpireStalled(ctx context.Context, now time.Time) error {
	if m.safetyWindow <= 0 {
		return nil
	}
	cutoff := now.Add(-m.safetyWindow)

	var stalled []types.Proposal
	if err := m.db.Where("status IN ? AND voting_end_time <= ?",
		[]types.ProposalStatus{types.ProposalStatusPending, types.ProposalStatusActive}, cutoff).
		Find(&stalled).Error; err != nil {
		return err
	}

	for _, prop := range stalled {
		err := m.Transition(ctx, prop.ID, prop.Status, types.ProposalStatusExpired)
		if err != nil && !errors.Is(err, types.ErrLostRace) {
			return err
		}
		if err == nil {
			log.Printf("lifecycle: proposal %d expired after safety window", prop.ID)
		}
	}
	return nil
}

// Cancel terminates a Pending or Active proposal on behalf of an authorized
// actor.
func (m *Machine) Cancel(ctx context.Context, proposalID uint64, actor string) (*types.Proposal, error) {
	var prop types.Proposal
	if err := m.db.First(&prop, "id = ?", proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}

	switch prop.Status {
	case types.ProposalStatusPending, types.ProposalStatusActive:
	default:
		return nil, types.NewValidationError("status", fmt.Sprintf("cannot cancel proposal in status %s", prop.Status))
	}

	if err := m.Transition(ctx, proposalID, prop.Status, types.ProposalStatusCancelled); err != nil {
		return nil, err
	}
	log.Printf("lifecycle: proposal %d cancelled by %s", proposalID, actor)

	if err := m.db.First(&prop, "id = ?", proposalID).Error; err != nil {
		return nil, err
	}
	return &prop, nil
}
