package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stake-plus/govengine/src/audit"
	"github.com/stake-plus/govengine/src/data"
	"github.com/stake-plus/govengine/src/delegation"
	"github.com/stake-plus/govengine/src/lifecycle"
	"github.com/stake-plus/govengine/src/power"
	"github.com/stake-plus/govengine/src/tally"
	"github.com/stake-plus/govengine/src/types"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// Service exposes the engine's operations. Transport-agnostic: callers bring
// their own HTTP/RPC surface and authenticated actor identities.
type Service struct {
	db       *gorm.DB
	resolver *power.Resolver
	graph    *delegation.Graph
	tally    *tally.Evaluator
	machine  *lifecycle.Machine
	sink     audit.Sink

	rdb      *redis.Client // optional tally snapshot cache
	cacheTTL time.Duration
}

func New(db *gorm.DB, resolver *power.Resolver, graph *delegation.Graph, evaluator *tally.Evaluator, machine *lifecycle.Machine, sink audit.Sink) *Service {
	return &Service{db: db, resolver: resolver, graph: graph, tally: evaluator, machine: machine, sink: sink}
}

// WithTallyCache enables redis-backed tally snapshots for read scaling.
func (s *Service) WithTallyCache(rdb *redis.Client, ttl time.Duration) *Service {
	s.rdb = rdb
	s.cacheTTL = ttl
	return s
}

type CreateProposalRequest struct {
	Title             string
	Description       string
	Type              types.ProposalType
	Creator           string
	VotingStartTime   time.Time // zero = now
	ExecutionParams   string
	RequestedAmount   decimal.Decimal
	RequestedCurrency string
}

// CreateProposal validates the request against the active rule for its type,
// copies the rule's thresholds onto the proposal and computes the voting
// window from the rule's voting period. Later rule changes never touch
// in-flight proposals.
func (s *Service) CreateProposal(ctx context.Context, req CreateProposalRequest) (*types.Proposal, error) {
	if req.Title == "" {
		return nil, types.NewValidationError("title", "required")
	}
	if req.Creator == "" {
		return nil, types.NewValidationError("creator", "required")
	}

	rule, err := s.activeRule(req.Type)
	if err != nil {
		return nil, err
	}

	if req.Type == types.ProposalTypeTreasury {
		if !req.RequestedAmount.IsPositive() {
			return nil, types.NewValidationError("requestedAmount", "treasury proposals need a positive amount")
		}
		if req.RequestedCurrency == "" {
			return nil, types.NewValidationError("requestedCurrency", "required for treasury proposals")
		}
	}

	eligible, err := s.resolver.EligibleToPropose(ctx, req.Creator, *rule)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, types.NewValidationError("creator", "insufficient stake or deposit to propose")
	}

	start := req.VotingStartTime
	if start.IsZero() {
		start = time.Now().UTC()
	}
	end := start.Add(rule.VotingPeriod())
	if !end.After(start) {
		return nil, types.NewValidationError("votingPeriod", "rule voting period must be positive")
	}

	prop := types.Proposal{
		Title:                req.Title,
		Description:          req.Description,
		Type:                 req.Type,
		Status:               types.ProposalStatusPending,
		Creator:              req.Creator,
		RuleID:               rule.ID,
		VotingStartTime:      start,
		VotingEndTime:        end,
		QuorumPct:            rule.MinQuorumPct,
		ApprovalThresholdPct: rule.ApprovalThresholdPct,
		ExecutionParams:      req.ExecutionParams,
		RequestedAmount:      req.RequestedAmount,
		RequestedCurrency:    req.RequestedCurrency,
	}
	if err := s.db.Create(&prop).Error; err != nil {
		return nil, err
	}

	s.sink.Publish(ctx, audit.Event{Kind: "proposal.created", ProposalID: prop.ID, Actor: req.Creator})
	log.Printf("engine: proposal %d created by %s (%s)", prop.ID, req.Creator, prop.Type)
	return &prop, nil
}

type CastVoteRequest struct {
	ProposalID uint64
	VoterID    string
	Choice     types.VoteChoice
	Reason     string
}

// CastVote records or overwrites the voter's single vote on a proposal.
// The stored power is the voter's own snapshot power plus whatever power is
// currently delegated to them for this proposal; both are fixed at cast time.
// Latest cast wins until the window closes.
func (s *Service) CastVote(ctx context.Context, req CastVoteRequest) (*types.Vote, error) {
	switch req.Choice {
	case types.VoteChoiceApprove, types.VoteChoiceReject, types.VoteChoiceAbstain:
	default:
		return nil, types.NewValidationError("choice", fmt.Sprintf("unknown choice %q", req.Choice))
	}
	if req.VoterID == "" {
		return nil, types.NewValidationError("voter", "required")
	}

	var prop types.Proposal
	if err := s.db.First(&prop, "id = ?", req.ProposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	if prop.Status != types.ProposalStatusActive {
		return nil, types.NewValidationError("proposal", fmt.Sprintf("voting not open (status %s)", prop.Status))
	}
	if now.Before(prop.VotingStartTime) {
		return nil, types.NewValidationError("proposal", "voting has not started")
	}
	if !now.Before(prop.VotingEndTime) {
		return nil, types.NewValidationError("proposal", "voting window closed")
	}

	ownPower, eligible, err := s.resolver.Resolve(ctx, req.VoterID, req.ProposalID)
	if err != nil {
		return nil, err
	}

	delegated, err := s.graph.ResolveDelegatedPower(ctx, req.VoterID, req.ProposalID)
	if err != nil {
		return nil, err
	}

	if !eligible && !delegated.IsPositive() {
		return nil, types.NewValidationError("voter", "not eligible to vote on this proposal")
	}

	vote := types.Vote{
		ProposalID:     req.ProposalID,
		VoterID:        req.VoterID,
		Choice:         req.Choice,
		OwnPower:       ownPower,
		DelegatedPower: delegated,
		Power:          ownPower.Add(delegated),
		ViaDelegation:  delegated.IsPositive(),
		Reason:         req.Reason,
		CastAt:         now,
	}

	// Overwrite semantics: one row per (proposal, voter), latest cast wins.
	// The unique index backstops concurrent casts.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("proposal_id = ? AND voter_id = ?", req.ProposalID, req.VoterID).
			Delete(&types.Vote{}).Error; err != nil {
			return err
		}
		return tx.Create(&vote).Error
	})
	if err != nil {
		return nil, err
	}

	// A direct vote by a delegator overrides their contribution inside any
	// delegate vote already cast on this proposal; re-resolve those votes.
	if err := s.reconcileDelegateVotes(ctx, req.ProposalID, req.VoterID); err != nil {
		return nil, err
	}

	s.sink.Publish(ctx, audit.Event{Kind: "vote.cast", ProposalID: req.ProposalID, Actor: req.VoterID, Detail: string(req.Choice)})
	return &vote, nil
}

// reconcileDelegateVotes recomputes the delegated component of every vote
// already cast by a delegate of voterID on this proposal. Only a direct vote
// triggers this; a plain revocation leaves cast votes untouched.
func (s *Service) reconcileDelegateVotes(ctx context.Context, proposalID uint64, voterID string) error {
	var edges []types.VotingDelegation
	if err := s.db.Where("delegator = ?", voterID).Find(&edges).Error; err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, edge := range edges {
		if seen[edge.Delegate] {
			continue
		}
		seen[edge.Delegate] = true

		var delegateVote types.Vote
		err := s.db.First(&delegateVote, "proposal_id = ? AND voter_id = ?", proposalID, edge.Delegate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !delegateVote.DelegatedPower.IsPositive() {
			continue
		}

		delegated, err := s.graph.ResolveDelegatedPower(ctx, edge.Delegate, proposalID)
		if err != nil {
			return err
		}
		err = s.db.Model(&types.Vote{}).Where("id = ?", delegateVote.ID).
			Updates(map[string]interface{}{
				"delegated_power": delegated,
				"power":           delegateVote.OwnPower.Add(delegated),
				"via_delegation":  delegated.IsPositive(),
			}).Error
		if err != nil {
			return err
		}
		log.Printf("engine: vote by %s on proposal %d re-resolved after direct vote by %s",
			edge.Delegate, proposalID, voterID)
	}
	return nil
}

// CreateDelegation forwards to the delegation graph.
func (s *Service) CreateDelegation(ctx context.Context, req delegation.CreateRequest) (*types.VotingDelegation, error) {
	return s.graph.Create(ctx, req)
}

// RevokeDelegation forwards to the delegation graph.
func (s *Service) RevokeDelegation(ctx context.Context, delegationID uint64, actor string) (*types.VotingDelegation, error) {
	return s.graph.Revoke(ctx, delegationID, actor)
}

// GetProposal returns the proposal with a live tally snapshot. Snapshots are
// served from cache when one is fresh enough.
func (s *Service) GetProposal(ctx context.Context, proposalID uint64) (*types.Proposal, *types.TallySnapshot, error) {
	var prop types.Proposal
	if err := s.db.First(&prop, "id = ?", proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, types.ErrNotFound
		}
		return nil, nil, err
	}

	if s.rdb != nil {
		if snap, err := data.GetCachedTally(ctx, s.rdb, proposalID); err == nil {
			return &prop, &snap, nil
		}
	}

	snap, err := s.RefreshTally(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	return &prop, snap, nil
}

// RefreshTally recomputes the proposal's tally and rewrites the cached
// snapshot, bypassing any cached copy.
func (s *Service) RefreshTally(ctx context.Context, proposalID uint64) (*types.TallySnapshot, error) {
	snap, err := s.tally.Evaluate(proposalID)
	if err != nil {
		return nil, err
	}
	if s.rdb != nil {
		if err := data.CacheTally(ctx, s.rdb, snap, s.cacheTTL); err != nil {
			log.Printf("engine: tally cache write for proposal %d: %v", proposalID, err)
		}
	}
	return &snap, nil
}

type ListFilter struct {
	Status  types.ProposalStatus
	Type    types.ProposalType
	Creator string
	Page    int
	PerPage int
}

// ListProposals returns a filtered, paginated page of proposals plus the
// total match count.
func (s *Service) ListProposals(filter ListFilter) ([]types.Proposal, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 100 {
		filter.PerPage = 20
	}

	q := s.db.Model(&types.Proposal{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Creator != "" {
		q = q.Where("creator = ?", filter.Creator)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var props []types.Proposal
	err := q.Order("id DESC").
		Offset((filter.Page - 1) * filter.PerPage).
		Limit(filter.PerPage).
		Find(&props).Error
	return props, total, err
}

// ExecutionHistory returns the proposal's execution record. Prior failed
// attempts live in the retry counter, not separate rows.
func (s *Service) ExecutionHistory(proposalID uint64) (*types.ProposalExecution, error) {
	var exec types.ProposalExecution
	if err := s.db.First(&exec, "proposal_id = ?", proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &exec, nil
}

// CancelProposal forwards to the lifecycle machine.
func (s *Service) CancelProposal(ctx context.Context, proposalID uint64, actor string) (*types.Proposal, error) {
	return s.machine.Cancel(ctx, proposalID, actor)
}

// CancelExecution cancels a not-yet-dispatched execution record. A record
// already InProgress cannot be cancelled from here; there is no way to recall
// an in-flight provider call.
func (s *Service) CancelExecution(ctx context.Context, proposalID uint64, actor string) (*types.ProposalExecution, error) {
	var exec types.ProposalExecution
	if err := s.db.First(&exec, "proposal_id = ?", proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}

	res := s.db.Model(&types.ProposalExecution{}).
		Where("id = ? AND status IN ?", exec.ID,
			[]types.ExecutionStatus{types.ExecutionStatusPending, types.ExecutionStatusRetrying}).
		Updates(map[string]interface{}{
			"status":          types.ExecutionStatusCancelled,
			"next_attempt_at": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, types.NewValidationError("execution", fmt.Sprintf("cannot cancel execution in status %s", exec.Status))
	}

	s.sink.Publish(ctx, audit.Event{Kind: "execution.cancelled", ProposalID: proposalID, Actor: actor})
	if err := s.db.First(&exec, "id = ?", exec.ID).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}

type CreateRuleRequest struct {
	Name                 string
	ProposalType         types.ProposalType
	MinQuorumPct         decimal.Decimal
	ApprovalThresholdPct decimal.Decimal
	VotingPeriodSecs     int64
	ExecutionDelaySecs   int64
	MinStakeToPropose    decimal.Decimal
	ProposalDeposit      decimal.Decimal
	RequireMultiSig      bool
	RequiredSignatures   int
	AllowDelegation      bool
	AllowEarlyClose      bool
	CreatedBy            string
}

// CreateRule installs a new active rule for a proposal type, deactivating the
// predecessor in the same transaction. Superseded rules stay on record.
func (s *Service) CreateRule(ctx context.Context, req CreateRuleRequest) (*types.GovernanceRule, error) {
	if req.Name == "" {
		return nil, types.NewValidationError("name", "required")
	}
	if !validPct(req.MinQuorumPct) || !validPct(req.ApprovalThresholdPct) {
		return nil, types.NewValidationError("thresholds", "percentages must be between 0 and 100")
	}
	if req.VotingPeriodSecs <= 0 {
		return nil, types.NewValidationError("votingPeriodSecs", "must be positive")
	}
	if req.ExecutionDelaySecs < 0 {
		return nil, types.NewValidationError("executionDelaySecs", "must not be negative")
	}
	if req.RequireMultiSig && req.RequiredSignatures < 1 {
		return nil, types.NewValidationError("requiredSignatures", "multi-sig rules need at least one signature")
	}

	known := false
	for _, t := range types.AllProposalTypes {
		if req.ProposalType == t {
			known = true
			break
		}
	}
	if !known {
		return nil, types.NewValidationError("proposalType", fmt.Sprintf("unknown proposal type %q", req.ProposalType))
	}

	rule := types.GovernanceRule{
		Name:                 req.Name,
		ProposalType:         req.ProposalType,
		Active:               true,
		MinQuorumPct:         req.MinQuorumPct,
		ApprovalThresholdPct: req.ApprovalThresholdPct,
		VotingPeriodSecs:     req.VotingPeriodSecs,
		ExecutionDelaySecs:   req.ExecutionDelaySecs,
		MinStakeToPropose:    req.MinStakeToPropose,
		ProposalDeposit:      req.ProposalDeposit,
		RequireMultiSig:      req.RequireMultiSig,
		RequiredSignatures:   req.RequiredSignatures,
		AllowDelegation:      req.AllowDelegation,
		AllowEarlyClose:      req.AllowEarlyClose,
		CreatedBy:            req.CreatedBy,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.GovernanceRule{}).
			Where("proposal_type = ? AND active = ?", req.ProposalType, true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Create(&rule).Error
	})
	if err != nil {
		return nil, err
	}

	log.Printf("engine: rule %q installed for %s by %s", rule.Name, rule.ProposalType, req.CreatedBy)
	return &rule, nil
}

// ListRules returns governance rules, optionally only the active ones.
func (s *Service) ListRules(activeOnly bool) ([]types.GovernanceRule, error) {
	q := s.db.Model(&types.GovernanceRule{})
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rules []types.GovernanceRule
	err := q.Order("proposal_type, active DESC, id DESC").Find(&rules).Error
	return rules, err
}

func (s *Service) activeRule(t types.ProposalType) (*types.GovernanceRule, error) {
	var rule types.GovernanceRule
	err := s.db.First(&rule, "proposal_type = ? AND active = ?", t, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewValidationError("type", fmt.Sprintf("no active governance rule for proposal type %q", t))
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func validPct(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}
