package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stake-plus/govengine/src/data"
	"github.com/stake-plus/govengine/src/power"
	"github.com/stake-plus/govengine/src/types"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeBalance struct {
	powers map[string]string
	total  string
}

func (f *fakeBalance) GetVotingPower(_ context.Context, accountID string, _ time.Time) (decimal.Decimal, error) {
	raw, ok := f.powers[accountID]
	if !ok {
		return decimal.Zero, nil
	}
	return decimal.RequireFromString(raw), nil
}

func (f *fakeBalance) GetTotalPower(_ context.Context, _ time.Time) (decimal.Decimal, error) {
	return decimal.RequireFromString(f.total), nil
}

func newTestGraph(t *testing.T, powers map[string]string) (*Graph, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, data.Migrate(db))
	require.NoError(t, data.SeedDefaultRules(db))

	resolver := power.NewResolver(db, &fakeBalance{powers: powers, total: "1000"}, time.Second)
	return NewGraph(db, resolver), db
}

func seedActiveProposal(t *testing.T, db *gorm.DB, pt types.ProposalType) types.Proposal {
	t.Helper()
	now := time.Now().UTC()
	prop := types.Proposal{
		Title:              "test",
		Type:               pt,
		Status:             types.ProposalStatusActive,
		Creator:            "alice",
		RuleID:             1,
		VotingStartTime:    now.Add(-time.Hour),
		VotingEndTime:      now.Add(time.Hour),
		TotalEligiblePower: decimal.NewFromInt(1000),
	}
	require.NoError(t, db.Create(&prop).Error)
	return prop
}

func TestCreateAndRevoke(t *testing.T) {
	g, _ := newTestGraph(t, map[string]string{"alice": "300"})
	ctx := context.Background()

	edge, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob"})
	require.NoError(t, err)
	require.True(t, edge.IsActive())

	edges, err := g.ListForDelegator("alice")
	require.NoError(t, err)
	require.Len(t, edges, 1)

	revoked, err := g.Revoke(ctx, edge.ID, "alice")
	require.NoError(t, err)
	require.False(t, revoked.IsActive())
	require.NotNil(t, revoked.RevokedAt)

	_, err = g.Revoke(ctx, edge.ID, "alice")
	require.True(t, types.IsValidation(err))
}

func TestCreateValidation(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	ctx := context.Background()

	_, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "alice"})
	require.True(t, types.IsValidation(err))

	_, err = g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob", Scope: "bogus"})
	require.True(t, types.IsValidation(err))

	_, err = g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob",
		MaxDelegationPct: decimal.NewFromInt(120)})
	require.True(t, types.IsValidation(err))
}

func TestReciprocalEdgeRejected(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	ctx := context.Background()

	_, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob", Scope: types.ProposalTypeTreasury})
	require.NoError(t, err)

	// Same scope back-edge forms a two-node cycle.
	_, err = g.Create(ctx, CreateRequest{Delegator: "bob", Delegate: "alice", Scope: types.ProposalTypeTreasury})
	require.True(t, types.IsValidation(err))

	// A type-agnostic back-edge overlaps the scoped one.
	_, err = g.Create(ctx, CreateRequest{Delegator: "bob", Delegate: "alice"})
	require.True(t, types.IsValidation(err))

	// A disjoint scope is fine.
	_, err = g.Create(ctx, CreateRequest{Delegator: "bob", Delegate: "alice", Scope: types.ProposalTypeGeneral})
	require.NoError(t, err)
}

func TestRedelegationRevokesPrior(t *testing.T) {
	g, db := newTestGraph(t, nil)
	ctx := context.Background()

	first, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob"})
	require.NoError(t, err)
	_, err = g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "carol"})
	require.NoError(t, err)

	var prior types.VotingDelegation
	require.NoError(t, db.First(&prior, "id = ?", first.ID).Error)
	require.False(t, prior.IsActive())
	require.NotNil(t, prior.RevokedAt)

	var active int64
	require.NoError(t, db.Model(&types.VotingDelegation{}).
		Where("delegator = ? AND active = ?", "alice", true).Count(&active).Error)
	require.EqualValues(t, 1, active)
}

func TestStoreRejectsSecondActiveEdge(t *testing.T) {
	g, db := newTestGraph(t, nil)
	ctx := context.Background()

	_, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob"})
	require.NoError(t, err)

	// A second active edge for the same (delegator, scope) written behind the
	// graph's back hits the unique index; alice's power can never count for
	// two delegates at once.
	err = db.Create(&types.VotingDelegation{
		Delegator: "alice",
		Delegate:  "carol",
		Active:    types.EdgeActive(),
		CreatedAt: time.Now().UTC(),
	}).Error
	require.Error(t, err)

	// A different scope is a different edge.
	err = db.Create(&types.VotingDelegation{
		Delegator: "alice",
		Delegate:  "carol",
		Scope:     types.ProposalTypeTreasury,
		Active:    types.EdgeActive(),
		CreatedAt: time.Now().UTC(),
	}).Error
	require.NoError(t, err)

	// Revoked rows store NULL and never collide with each other.
	now := time.Now().UTC()
	for _, delegate := range []string{"dave", "erin"} {
		require.NoError(t, db.Create(&types.VotingDelegation{
			Delegator: "frank",
			Delegate:  delegate,
			CreatedAt: now,
			RevokedAt: &now,
			RevokedBy: "frank",
		}).Error)
	}
}

func TestRuleDisallowsDelegation(t *testing.T) {
	g, db := newTestGraph(t, nil)
	ctx := context.Background()

	require.NoError(t, db.Model(&types.GovernanceRule{}).
		Where("proposal_type = ? AND active = ?", types.ProposalTypeTreasury, true).
		Update("allow_delegation", false).Error)

	_, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob", Scope: types.ProposalTypeTreasury})
	require.True(t, types.IsValidation(err))

	// Other scopes still allow it.
	_, err = g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob", Scope: types.ProposalTypeGeneral})
	require.NoError(t, err)
}

func TestResolveDelegatedPower(t *testing.T) {
	g, db := newTestGraph(t, map[string]string{"alice": "300", "carol": "100"})
	ctx := context.Background()
	prop := seedActiveProposal(t, db, types.ProposalTypeGeneral)

	_, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob"})
	require.NoError(t, err)
	_, err = g.Create(ctx, CreateRequest{Delegator: "carol", Delegate: "bob"})
	require.NoError(t, err)

	got, err := g.ResolveDelegatedPower(ctx, "bob", prop.ID)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(400)), "got %s", got)
}

func TestResolveDelegatedPowerCap(t *testing.T) {
	g, db := newTestGraph(t, map[string]string{"alice": "300"})
	ctx := context.Background()
	prop := seedActiveProposal(t, db, types.ProposalTypeGeneral)

	_, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob",
		MaxDelegationPct: decimal.NewFromInt(50)})
	require.NoError(t, err)

	got, err := g.ResolveDelegatedPower(ctx, "bob", prop.ID)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(150)), "got %s", got)
}

func TestResolveExcludesDirectVoters(t *testing.T) {
	g, db := newTestGraph(t, map[string]string{"alice": "300"})
	ctx := context.Background()
	prop := seedActiveProposal(t, db, types.ProposalTypeGeneral)

	_, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob"})
	require.NoError(t, err)

	// Alice votes directly on this proposal: her delegation is overridden
	// for this proposal only.
	require.NoError(t, db.Create(&types.Vote{
		ProposalID: prop.ID,
		VoterID:    "alice",
		Choice:     types.VoteChoiceReject,
		Power:      decimal.NewFromInt(300),
		OwnPower:   decimal.NewFromInt(300),
		CastAt:     time.Now().UTC(),
	}).Error)

	got, err := g.ResolveDelegatedPower(ctx, "bob", prop.ID)
	require.NoError(t, err)
	require.True(t, got.IsZero(), "got %s", got)

	other := seedActiveProposal(t, db, types.ProposalTypeGeneral)
	got, err = g.ResolveDelegatedPower(ctx, "bob", other.ID)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(300)))
}

func TestResolveSkipsScopeMismatchAndExpired(t *testing.T) {
	g, db := newTestGraph(t, map[string]string{"alice": "300", "carol": "100"})
	ctx := context.Background()
	prop := seedActiveProposal(t, db, types.ProposalTypeGeneral)

	_, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob", Scope: types.ProposalTypeTreasury})
	require.NoError(t, err)

	expired := time.Now().UTC().Add(time.Minute)
	edge, err := g.Create(ctx, CreateRequest{Delegator: "carol", Delegate: "bob", ExpiresAt: &expired})
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&types.VotingDelegation{}).Where("id = ?", edge.ID).
		Update("expires_at", past).Error)

	got, err := g.ResolveDelegatedPower(ctx, "bob", prop.ID)
	require.NoError(t, err)
	require.True(t, got.IsZero(), "got %s", got)
}

func TestRevokedDelegationUnavailableForFutureResolution(t *testing.T) {
	g, db := newTestGraph(t, map[string]string{"alice": "300"})
	ctx := context.Background()
	prop := seedActiveProposal(t, db, types.ProposalTypeGeneral)

	edge, err := g.Create(ctx, CreateRequest{Delegator: "alice", Delegate: "bob"})
	require.NoError(t, err)

	got, err := g.ResolveDelegatedPower(ctx, "bob", prop.ID)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(300)))

	_, err = g.Revoke(ctx, edge.ID, "alice")
	require.NoError(t, err)

	got, err = g.ResolveDelegatedPower(ctx, "bob", prop.ID)
	require.NoError(t, err)
	require.True(t, got.IsZero())
}
