package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proposal types
type ProposalType string

const (
	ProposalTypeConstitutional ProposalType = "constitutional"
	ProposalTypeTreasury       ProposalType = "treasury"
	ProposalTypeParameter      ProposalType = "parameter"
	ProposalTypeUpgrade        ProposalType = "upgrade"
	ProposalTypeEmergency      ProposalType = "emergency"
	ProposalTypeGeneral        ProposalType = "general"
)

// AllProposalTypes lists every known proposal type, used for rule seeding and
// request validation.
var AllProposalTypes = []ProposalType{
	ProposalTypeConstitutional,
	ProposalTypeTreasury,
	ProposalTypeParameter,
	ProposalTypeUpgrade,
	ProposalTypeEmergency,
	ProposalTypeGeneral,
}

// Proposal statuses
type ProposalStatus string

const (
	ProposalStatusPending   ProposalStatus = "pending"
	ProposalStatusActive    ProposalStatus = "active"
	ProposalStatusApproved  ProposalStatus = "approved"
	ProposalStatusRejected  ProposalStatus = "rejected"
	ProposalStatusExpired   ProposalStatus = "expired"
	ProposalStatusCancelled ProposalStatus = "cancelled"
	ProposalStatusExecuted  ProposalStatus = "executed"
	ProposalStatusFailed    ProposalStatus = "failed"
)

// Terminal reports whether no further transition may leave the status.
// Approved is not terminal: the execution scheduler still owns it.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalStatusRejected, ProposalStatusExpired, ProposalStatusCancelled,
		ProposalStatusExecuted, ProposalStatusFailed:
		return true
	}
	return false
}

// Vote choices
type VoteChoice string

const (
	VoteChoiceApprove VoteChoice = "approve"
	VoteChoiceReject  VoteChoice = "reject"
	VoteChoiceAbstain VoteChoice = "abstain"
)

// Execution statuses
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
	ExecutionStatusRetrying   ExecutionStatus = "retrying"
)

// Governance rules. One active rule per proposal type; superseded rules are
// deactivated, never deleted.
type GovernanceRule struct {
	ID                   uint32       `gorm:"primaryKey"`
	Name                 string       `gorm:"size:128;not null"`
	ProposalType         ProposalType `gorm:"size:32;index:idx_rule_type_active;not null"`
	Active               bool         `gorm:"index:idx_rule_type_active;default:true"`
	MinQuorumPct         decimal.Decimal `gorm:"type:decimal(5,2);not null"`
	ApprovalThresholdPct decimal.Decimal `gorm:"type:decimal(5,2);not null"`
	VotingPeriodSecs     int64        `gorm:"not null"`
	ExecutionDelaySecs   int64        `gorm:"default:0"`
	MinStakeToPropose    decimal.Decimal `gorm:"type:decimal(38,18);default:0"`
	ProposalDeposit      decimal.Decimal `gorm:"type:decimal(38,18);default:0"`
	RequireMultiSig      bool         `gorm:"default:false"`
	RequiredSignatures   int          `gorm:"default:0"`
	AllowDelegation      bool         `gorm:"default:true"`
	AllowEarlyClose      bool         `gorm:"default:false"`
	CreatedBy            string       `gorm:"size:128"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (r GovernanceRule) VotingPeriod() time.Duration {
	return time.Duration(r.VotingPeriodSecs) * time.Second
}

func (r GovernanceRule) ExecutionDelay() time.Duration {
	return time.Duration(r.ExecutionDelaySecs) * time.Second
}

// Proposals
type Proposal struct {
	ID                   uint64         `gorm:"primaryKey"`
	Title                string         `gorm:"size:255;not null"`
	Description          string         `gorm:"type:text"`
	Type                 ProposalType   `gorm:"size:32;index;not null"`
	Status               ProposalStatus `gorm:"size:32;index;not null"`
	Creator              string         `gorm:"size:128;index;not null"`
	RuleID               uint32         `gorm:"not null"`
	VotingStartTime      time.Time      `gorm:"not null"`
	VotingEndTime        time.Time      `gorm:"index;not null"`
	QuorumPct            decimal.Decimal `gorm:"type:decimal(5,2)"`
	ApprovalThresholdPct decimal.Decimal `gorm:"type:decimal(5,2)"`
	TotalEligiblePower   decimal.Decimal `gorm:"type:decimal(38,18);default:0"`
	ExecutionParams      string         `gorm:"type:text"`
	RequestedAmount      decimal.Decimal `gorm:"type:decimal(38,18);default:0"`
	RequestedCurrency    string         `gorm:"size:16"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Votes. One row per (proposal, voter); a re-vote replaces the row, latest
// cast wins. Power is fixed at cast time and never recomputed.
type Vote struct {
	ID             uint64     `gorm:"primaryKey"`
	ProposalID     uint64     `gorm:"uniqueIndex:uq_vote_proposal_voter;not null"`
	VoterID        string     `gorm:"size:128;uniqueIndex:uq_vote_proposal_voter;not null"`
	Choice         VoteChoice `gorm:"size:16;not null"`
	Power          decimal.Decimal `gorm:"type:decimal(38,18);not null"`
	OwnPower       decimal.Decimal `gorm:"type:decimal(38,18);default:0"`
	DelegatedPower decimal.Decimal `gorm:"type:decimal(38,18);default:0"`
	ViaDelegation  bool       `gorm:"default:false"`
	Reason         string     `gorm:"type:text"`
	CastAt         time.Time  `gorm:"not null"`
}

// Voting delegations. Directed edge delegator -> delegate, optionally scoped
// to one proposal type (empty scope = all types). At most one active edge per
// (delegator, scope), enforced by the unique index: live edges store Active as
// true, revoked edges store NULL so they never collide.
type VotingDelegation struct {
	ID               uint64       `gorm:"primaryKey"`
	Delegator        string       `gorm:"size:128;index:idx_delegation_delegator;uniqueIndex:uq_delegation_edge;not null"`
	Delegate         string       `gorm:"size:128;index:idx_delegation_delegate;not null"`
	Scope            ProposalType `gorm:"size:32;uniqueIndex:uq_delegation_edge"`
	Active           *bool        `gorm:"index:idx_delegation_delegate;uniqueIndex:uq_delegation_edge"`
	Reason           string       `gorm:"type:text"`
	MaxDelegationPct decimal.Decimal `gorm:"type:decimal(5,2);default:0"`
	ExpiresAt        *time.Time
	AutoRenew        bool `gorm:"default:false"`
	CreatedAt        time.Time
	RevokedAt        *time.Time
	RevokedBy        string `gorm:"size:128"`
}

// EdgeActive returns the Active marker for a live edge.
func EdgeActive() *bool {
	b := true
	return &b
}

// IsActive reports whether the edge is live.
func (d VotingDelegation) IsActive() bool {
	return d.Active != nil && *d.Active
}

// Covers reports whether the delegation applies to proposals of type t.
func (d VotingDelegation) Covers(t ProposalType) bool {
	return d.Scope == "" || d.Scope == t
}

// Proposal executions. Exactly one record per proposal; failed attempts are
// history via RetryCount, not separate rows.
type ProposalExecution struct {
	ID            uint64          `gorm:"primaryKey"`
	ProposalID    uint64          `gorm:"uniqueIndex;not null"`
	Status        ExecutionStatus `gorm:"size:16;index;not null"`
	ScheduledAt   *time.Time
	ExecutedAt    *time.Time
	Executor      string `gorm:"size:128"`
	SentParams    string `gorm:"type:text"`
	Result        string `gorm:"type:text"`
	ErrorMessage  string `gorm:"type:text"`
	ExternalRef   string `gorm:"size:128"`
	RetryCount    int    `gorm:"default:0"`
	MaxRetries    int    `gorm:"default:3"`
	NextAttemptAt *time.Time `gorm:"index"`
	ClaimToken    string     `gorm:"size:64"`
	ClaimedUntil  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Settings
type Setting struct {
	ID    uint8  `gorm:"primaryKey"`
	Name  string `gorm:"size:64;unique;not null"`
	Value string `gorm:"size:256;not null"`
}

// TallySnapshot is the result of one tally evaluation. Pure data; the
// lifecycle worker is the only component that turns it into a transition.
type TallySnapshot struct {
	ProposalID          uint64          `json:"proposalId"`
	QuorumPct           decimal.Decimal `json:"quorumPct"`
	ApprovalPct         decimal.Decimal `json:"approvalPct"`
	ApproveWeight       decimal.Decimal `json:"approveWeight"`
	RejectWeight        decimal.Decimal `json:"rejectWeight"`
	AbstainWeight       decimal.Decimal `json:"abstainWeight"`
	ParticipatingPower  decimal.Decimal `json:"participatingPower"`
	TotalEligibleWeight decimal.Decimal `json:"totalEligibleWeight"`
	QuorumMet           bool            `json:"quorumMet"`
	ApprovalMet         bool            `json:"approvalMet"`
	EvaluatedAt         time.Time       `json:"evaluatedAt"`
}

// Passed reports whether the snapshot satisfies both thresholds.
func (t TallySnapshot) Passed() bool { return t.QuorumMet && t.ApprovalMet }
