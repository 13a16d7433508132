package tally

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stake-plus/govengine/src/data"
	"github.com/stake-plus/govengine/src/types"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, data.Migrate(db))
	return db
}

func seedProposal(t *testing.T, db *gorm.DB, quorum, approval, totalEligible string) types.Proposal {
	t.Helper()
	now := time.Now().UTC()
	prop := types.Proposal{
		Title:                "test",
		Type:                 types.ProposalTypeGeneral,
		Status:               types.ProposalStatusActive,
		Creator:              "alice",
		RuleID:               1,
		VotingStartTime:      now.Add(-time.Hour),
		VotingEndTime:        now.Add(time.Hour),
		QuorumPct:            decimal.RequireFromString(quorum),
		ApprovalThresholdPct: decimal.RequireFromString(approval),
		TotalEligiblePower:   decimal.RequireFromString(totalEligible),
	}
	require.NoError(t, db.Create(&prop).Error)
	return prop
}

func seedVote(t *testing.T, db *gorm.DB, proposalID uint64, voter string, choice types.VoteChoice, power string) {
	t.Helper()
	p := decimal.RequireFromString(power)
	vote := types.Vote{
		ProposalID: proposalID,
		VoterID:    voter,
		Choice:     choice,
		Power:      p,
		OwnPower:   p,
		CastAt:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(&vote).Error)
}

func TestEvaluatePassing(t *testing.T) {
	db := newTestDB(t)
	prop := seedProposal(t, db, "20", "50", "1000")
	seedVote(t, db, prop.ID, "bob", types.VoteChoiceApprove, "500")

	snap, err := New(db).Evaluate(prop.ID)
	require.NoError(t, err)

	require.True(t, snap.QuorumPct.Equal(decimal.NewFromInt(50)), "quorum %s", snap.QuorumPct)
	require.True(t, snap.ApprovalPct.Equal(decimal.NewFromInt(100)), "approval %s", snap.ApprovalPct)
	require.True(t, snap.QuorumMet)
	require.True(t, snap.ApprovalMet)
	require.True(t, snap.Passed())
}

func TestEvaluateAbstainExcludedFromApproval(t *testing.T) {
	db := newTestDB(t)
	prop := seedProposal(t, db, "20", "50", "1000")
	seedVote(t, db, prop.ID, "a", types.VoteChoiceApprove, "200")
	seedVote(t, db, prop.ID, "b", types.VoteChoiceReject, "200")
	seedVote(t, db, prop.ID, "c", types.VoteChoiceAbstain, "600")

	snap, err := New(db).Evaluate(prop.ID)
	require.NoError(t, err)

	// Abstain counts toward quorum only.
	require.True(t, snap.QuorumPct.Equal(decimal.NewFromInt(100)))
	// Exactly at the approval threshold counts as met.
	require.True(t, snap.ApprovalPct.Equal(decimal.NewFromInt(50)))
	require.True(t, snap.ApprovalMet)
	require.True(t, snap.Passed())
}

func TestEvaluateZeroVotes(t *testing.T) {
	db := newTestDB(t)
	prop := seedProposal(t, db, "20", "50", "1000")

	snap, err := New(db).Evaluate(prop.ID)
	require.NoError(t, err)

	require.True(t, snap.QuorumPct.IsZero())
	require.False(t, snap.QuorumMet)
	require.False(t, snap.ApprovalMet)
	require.False(t, snap.Passed())
}

func TestEvaluateDeterministic(t *testing.T) {
	db := newTestDB(t)
	prop := seedProposal(t, db, "20", "50", "1000")
	seedVote(t, db, prop.ID, "a", types.VoteChoiceApprove, "333")
	seedVote(t, db, prop.ID, "b", types.VoteChoiceReject, "167")

	ev := New(db)
	first, err := ev.Evaluate(prop.ID)
	require.NoError(t, err)
	second, err := ev.Evaluate(prop.ID)
	require.NoError(t, err)

	require.True(t, first.QuorumPct.Equal(second.QuorumPct))
	require.True(t, first.ApprovalPct.Equal(second.ApprovalPct))
	require.True(t, first.ApproveWeight.Equal(second.ApproveWeight))
	require.True(t, first.RejectWeight.Equal(second.RejectWeight))
	require.Equal(t, first.Passed(), second.Passed())
}

func TestEvaluateUnknownProposal(t *testing.T) {
	db := newTestDB(t)
	_, err := New(db).Evaluate(12345)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestDecisiveSupermajority(t *testing.T) {
	db := newTestDB(t)
	prop := seedProposal(t, db, "15", "66.67", "1000")

	seedVote(t, db, prop.ID, "a", types.VoteChoiceApprove, "700")
	snap, err := New(db).Evaluate(prop.ID)
	require.NoError(t, err)
	// Even if the remaining 300 all reject, 700/1000 = 70% >= 66.67%.
	require.True(t, DecisiveSupermajority(prop, snap))
}

func TestDecisiveSupermajorityNotReached(t *testing.T) {
	db := newTestDB(t)
	prop := seedProposal(t, db, "15", "66.67", "1000")

	seedVote(t, db, prop.ID, "a", types.VoteChoiceApprove, "500")
	snap, err := New(db).Evaluate(prop.ID)
	require.NoError(t, err)
	// 500/1000 = 50% in the worst case: not decisive yet.
	require.False(t, DecisiveSupermajority(prop, snap))
}
