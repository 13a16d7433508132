package data

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stake-plus/govengine/src/types"
	"gorm.io/gorm"
)

// Migrate creates or updates the engine's tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Setting{},
		&types.GovernanceRule{},
		&types.Proposal{},
		&types.Vote{},
		&types.VotingDelegation{},
		&types.ProposalExecution{},
	)
}

// defaultRule holds the seed thresholds per proposal type.
type defaultRule struct {
	quorum     string
	approval   string
	votingSecs int64
	delaySecs  int64
	multiSig   int
	earlyClose bool
}

var defaultRules = map[types.ProposalType]defaultRule{
	types.ProposalTypeConstitutional: {quorum: "40", approval: "66.67", votingSecs: 14 * 86400, delaySecs: 7 * 86400, multiSig: 3},
	types.ProposalTypeTreasury:       {quorum: "25", approval: "50", votingSecs: 7 * 86400, delaySecs: 2 * 86400, multiSig: 2},
	types.ProposalTypeParameter:      {quorum: "20", approval: "50", votingSecs: 5 * 86400, delaySecs: 86400},
	types.ProposalTypeUpgrade:        {quorum: "33", approval: "60", votingSecs: 10 * 86400, delaySecs: 3 * 86400, multiSig: 2},
	types.ProposalTypeEmergency:      {quorum: "15", approval: "66.67", votingSecs: 86400, delaySecs: 0, earlyClose: true},
	types.ProposalTypeGeneral:        {quorum: "20", approval: "50", votingSecs: 7 * 86400, delaySecs: 86400},
}

// SeedDefaultRules inserts an active governance rule for every proposal type
// that has none yet. Existing rules are left untouched, so the seed is safe
// to run on every start.
func SeedDefaultRules(db *gorm.DB) error {
	for _, pt := range types.AllProposalTypes {
		var count int64
		if err := db.Model(&types.GovernanceRule{}).
			Where("proposal_type = ? AND active = ?", pt, true).
			Count(&count).Error; err != nil {
			return fmt.Errorf("seed rules: %w", err)
		}
		if count > 0 {
			continue
		}

		def := defaultRules[pt]
		rule := types.GovernanceRule{
			Name:                 fmt.Sprintf("default-%s", pt),
			ProposalType:         pt,
			Active:               true,
			MinQuorumPct:         decimal.RequireFromString(def.quorum),
			ApprovalThresholdPct: decimal.RequireFromString(def.approval),
			VotingPeriodSecs:     def.votingSecs,
			ExecutionDelaySecs:   def.delaySecs,
			RequireMultiSig:      def.multiSig > 0,
			RequiredSignatures:   def.multiSig,
			AllowDelegation:      true,
			AllowEarlyClose:      def.earlyClose,
			CreatedBy:            "system",
		}
		if err := db.Create(&rule).Error; err != nil {
			return fmt.Errorf("seed rules: %s: %w", pt, err)
		}
	}
	return nil
}
