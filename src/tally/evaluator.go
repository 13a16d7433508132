package tally

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stake-plus/govengine/src/types"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// Evaluator computes quorum and approval percentages from stored votes. It is
// pure over the vote set: it never mutates anything, and re-running it without
// new votes yields identical numbers. The lifecycle worker is the only writer
// of proposal status.
type Evaluator struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Evaluator {
	return &Evaluator{db: db}
}

// Evaluate aggregates the proposal's votes into a snapshot. A vote's stored
// power already includes any delegated power resolved at cast time, so summing
// stored powers never double counts a delegator.
func (e *Evaluator) Evaluate(proposalID uint64) (types.TallySnapshot, error) {
	var prop types.Proposal
	if err := e.db.First(&prop, "id = ?", proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.TallySnapshot{}, types.ErrNotFound
		}
		return types.TallySnapshot{}, err
	}

	type row struct {
		Choice types.VoteChoice
		Weight decimal.Decimal
	}
	var rows []row
	if err := e.db.Model(&types.Vote{}).
		Select("choice, COALESCE(SUM(power), 0) AS weight").
		Where("proposal_id = ?", proposalID).
		Group("choice").
		Scan(&rows).Error; err != nil {
		return types.TallySnapshot{}, err
	}

	snap := types.TallySnapshot{
		ProposalID:          proposalID,
		TotalEligibleWeight: prop.TotalEligiblePower,
		EvaluatedAt:         time.Now().UTC(),
	}
	for _, r := range rows {
		switch r.Choice {
		case types.VoteChoiceApprove:
			snap.ApproveWeight = r.Weight
		case types.VoteChoiceReject:
			snap.RejectWeight = r.Weight
		case types.VoteChoiceAbstain:
			snap.AbstainWeight = r.Weight
		}
	}
	snap.ParticipatingPower = snap.ApproveWeight.Add(snap.RejectWeight).Add(snap.AbstainWeight)

	if snap.TotalEligibleWeight.IsPositive() {
		snap.QuorumPct = snap.ParticipatingPower.Mul(hundred).Div(snap.TotalEligibleWeight)
	}

	// Abstain weight counts toward quorum but not approval.
	decisive := snap.ApproveWeight.Add(snap.RejectWeight)
	if decisive.IsPositive() {
		snap.ApprovalPct = snap.ApproveWeight.Mul(hundred).Div(decisive)
	}

	// Exactly at threshold counts as met.
	snap.QuorumMet = snap.QuorumPct.GreaterThanOrEqual(prop.QuorumPct)
	snap.ApprovalMet = decisive.IsPositive() && snap.ApprovalPct.GreaterThanOrEqual(prop.ApprovalThresholdPct)

	return snap, nil
}

// DecisiveSupermajority reports whether the Approve weight alone already
// settles the outcome: quorum is met and approval would still hold even if
// every eligible voter yet to participate cast Reject. Used for early close
// of Emergency proposals under a rule that allows it.
func DecisiveSupermajority(prop types.Proposal, snap types.TallySnapshot) bool {
	if !snap.QuorumMet || !prop.TotalEligiblePower.IsPositive() {
		return false
	}
	remaining := prop.TotalEligiblePower.Sub(snap.ParticipatingPower)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	worstDenom := snap.ApproveWeight.Add(snap.RejectWeight).Add(remaining)
	if !worstDenom.IsPositive() {
		return false
	}
	worstApproval := snap.ApproveWeight.Mul(hundred).Div(worstDenom)
	return worstApproval.GreaterThanOrEqual(prop.ApprovalThresholdPct)
}
