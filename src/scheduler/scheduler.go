package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/stake-plus/govengine/src/audit"
	"github.com/stake-plus/govengine/src/lifecycle"
	"github.com/stake-plus/govengine/src/types"
	"gorm.io/gorm"
)

const claimLease = 5 * time.Minute

// Options carries the scheduler's runtime knobs.
type Options struct {
	Interval        time.Duration
	ProviderTimeout time.Duration
	SignatureWait   time.Duration
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	MaxRetries      int
	ExecutorID      string
}

// Scheduler is the periodic worker that executes approved proposals once
// their execution delay has elapsed. Execution is at-least-once in attempt
// and at-most-once in effect: a record is claimed with a token before any
// provider call, and providers are idempotent per proposal.
type Scheduler struct {
	db        *gorm.DB
	machine   *lifecycle.Machine
	registry  *Registry
	collector SignatureCollector
	sink      audit.Sink
	opts      Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(db *gorm.DB, machine *lifecycle.Machine, registry *Registry, collector SignatureCollector, sink audit.Sink, opts Options) *Scheduler {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Scheduler{db: db, machine: machine, registry: registry, collector: collector, sink: sink, opts: opts}
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(runCtx)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	s.running = false
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: pick due proposals, claim, execute.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.selectDue(now)
	if err != nil {
		log.Printf("scheduler: select pass: %v", err)
		return
	}

	for _, prop := range due {
		if err := s.executeOne(ctx, prop, now); err != nil {
			if errors.Is(err, types.ErrLostRace) {
				continue
			}
			log.Printf("scheduler: proposal %d: %v", prop.ID, err)
		}
	}
}

// selectDue returns Approved proposals past votingEndTime + executionDelay
// whose execution record is absent, Pending, Retrying with its next attempt
// time elapsed, or InProgress with an expired claim lease (a crashed
// instance never finished; the record must be reclaimed, not dropped).
func (s *Scheduler) selectDue(now time.Time) ([]types.Proposal, error) {
	var approved []types.Proposal
	if err := s.db.Where("status = ?", types.ProposalStatusApproved).Find(&approved).Error; err != nil {
		return nil, err
	}

	var due []types.Proposal
	for _, prop := range approved {
		var rule types.GovernanceRule
		if err := s.db.First(&rule, "id = ?", prop.RuleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if now.Before(prop.VotingEndTime.Add(rule.ExecutionDelay())) {
			continue
		}

		var exec types.ProposalExecution
		err := s.db.First(&exec, "proposal_id = ?", prop.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			due = append(due, prop)
		case err != nil:
			return nil, err
		case exec.Status == types.ExecutionStatusPending:
			due = append(due, prop)
		case exec.Status == types.ExecutionStatusRetrying:
			if exec.NextAttemptAt == nil || !now.Before(*exec.NextAttemptAt) {
				due = append(due, prop)
			}
		case exec.Status == types.ExecutionStatusInProgress:
			if exec.ClaimedUntil != nil && exec.ClaimedUntil.Before(now) {
				due = append(due, prop)
			}
		}
	}
	return due, nil
}

func (s *Scheduler) executeOne(ctx context.Context, prop types.Proposal, now time.Time) error {
	exec, err := s.claim(prop, now)
	if err != nil {
		return err
	}

	var rule types.GovernanceRule
	if err := s.db.First(&rule, "id = ?", prop.RuleID).Error; err != nil {
		s.release(exec)
		return err
	}

	if rule.RequireMultiSig {
		ok, err := s.awaitSignatures(ctx, prop.ID, rule.RequiredSignatures)
		if err != nil || !ok {
			// Not a failure: release the claim and let the next cycle retry
			// once enough signatures exist.
			s.release(exec)
			if err != nil {
				return fmt.Errorf("signature collector: %w", err)
			}
			log.Printf("scheduler: proposal %d waiting on signatures (%d required)", prop.ID, rule.RequiredSignatures)
			return nil
		}
	}

	provider, err := s.registry.Provider(prop.Type)
	if err != nil {
		// No provider is a configuration hole, not a transient failure.
		return s.fail(ctx, exec, prop, err)
	}

	callCtx, cancelCall := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	externalRef, execErr := provider.Execute(callCtx, prop.ID, prop.ExecutionParams)
	cancelCall()

	if execErr != nil {
		return s.fail(ctx, exec, prop, execErr)
	}
	return s.complete(ctx, exec, prop, externalRef, now)
}

// claim takes exclusive ownership of the proposal's execution record. The
// record is created on first contact; the conditional update on status plus
// claim expiry guarantees only one instance proceeds. An InProgress record
// is claimable only once its lease has expired.
func (s *Scheduler) claim(prop types.Proposal, now time.Time) (*types.ProposalExecution, error) {
	var exec types.ProposalExecution
	err := s.db.Where(types.ProposalExecution{ProposalID: prop.ID}).
		Attrs(types.ProposalExecution{
			Status:     types.ExecutionStatusPending,
			SentParams: prop.ExecutionParams,
			Executor:   s.opts.ExecutorID,
			MaxRetries: s.opts.MaxRetries,
		}).
		FirstOrCreate(&exec).Error
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	lease := now.Add(claimLease)
	res := s.db.Model(&types.ProposalExecution{}).
		Where("id = ? AND status IN ? AND (claimed_until IS NULL OR claimed_until < ?)",
			exec.ID,
			[]types.ExecutionStatus{types.ExecutionStatusPending, types.ExecutionStatusRetrying, types.ExecutionStatusInProgress},
			now).
		Updates(map[string]interface{}{
			"status":        types.ExecutionStatusInProgress,
			"claim_token":   token,
			"claimed_until": lease,
			"scheduled_at":  now,
			"executor":      s.opts.ExecutorID,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, types.ErrLostRace
	}

	if err := s.db.First(&exec, "id = ?", exec.ID).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}

// release puts a claimed record back to its pre-claim status without
// consuming a retry.
func (s *Scheduler) release(exec *types.ProposalExecution) {
	status := types.ExecutionStatusPending
	if exec.RetryCount > 0 {
		status = types.ExecutionStatusRetrying
	}
	err := s.db.Model(&types.ProposalExecution{}).
		Where("id = ? AND claim_token = ?", exec.ID, exec.ClaimToken).
		Updates(map[string]interface{}{
			"status":        status,
			"claim_token":   "",
			"claimed_until": nil,
		}).Error
	if err != nil {
		log.Printf("scheduler: release execution %d: %v", exec.ID, err)
	}
}

func (s *Scheduler) complete(ctx context.Context, exec *types.ProposalExecution, prop types.Proposal, externalRef string, now time.Time) error {
	err := s.db.Model(&types.ProposalExecution{}).
		Where("id = ? AND claim_token = ?", exec.ID, exec.ClaimToken).
		Updates(map[string]interface{}{
			"status":        types.ExecutionStatusCompleted,
			"executed_at":   now,
			"external_ref":  externalRef,
			"result":        "executed",
			"claim_token":   "",
			"claimed_until": nil,
		}).Error
	if err != nil {
		return err
	}

	if err := s.machine.Transition(ctx, prop.ID, types.ProposalStatusApproved, types.ProposalStatusExecuted); err != nil &&
		!errors.Is(err, types.ErrLostRace) {
		return err
	}

	s.sink.Publish(ctx, audit.Event{Kind: "execution.completed", ProposalID: prop.ID, Detail: externalRef})
	log.Printf("scheduler: proposal %d executed (ref=%s)", prop.ID, externalRef)
	return nil
}

// fail consumes one retry. Below the budget the record goes to Retrying with
// an exponential backoff next attempt; at the budget it is Failed, terminal,
// and the proposal stays Approved for a human decision.
func (s *Scheduler) fail(ctx context.Context, exec *types.ProposalExecution, prop types.Proposal, cause error) error {
	retryCount := exec.RetryCount + 1

	updates := map[string]interface{}{
		"retry_count":   retryCount,
		"error_message": cause.Error(),
		"claim_token":   "",
		"claimed_until": nil,
	}

	if retryCount < exec.MaxRetries {
		b := &backoff.Backoff{Min: s.opts.BackoffMin, Max: s.opts.BackoffMax, Factor: 2}
		next := time.Now().UTC().Add(b.ForAttempt(float64(retryCount - 1)))
		updates["status"] = types.ExecutionStatusRetrying
		updates["next_attempt_at"] = next
		log.Printf("scheduler: proposal %d execution failed (attempt %d/%d), next at %s: %v",
			prop.ID, retryCount, exec.MaxRetries, next.Format(time.RFC3339), cause)
	} else {
		updates["status"] = types.ExecutionStatusFailed
		updates["next_attempt_at"] = nil
		log.Printf("scheduler: proposal %d execution failed terminally after %d attempts: %v",
			prop.ID, retryCount, cause)
	}

	err := s.db.Model(&types.ProposalExecution{}).
		Where("id = ? AND claim_token = ?", exec.ID, exec.ClaimToken).
		Updates(updates).Error
	if err != nil {
		return err
	}

	kind := "execution.retrying"
	if retryCount >= exec.MaxRetries {
		kind = "execution.failed"
	}
	s.sink.Publish(ctx, audit.Event{Kind: kind, ProposalID: prop.ID, Detail: cause.Error()})
	return nil
}

// awaitSignatures polls the collector until enough signatures exist or the
// wait budget runs out.
func (s *Scheduler) awaitSignatures(ctx context.Context, proposalID uint64, required int) (bool, error) {
	poll := 2 * time.Second
	if s.opts.SignatureWait < poll {
		poll = s.opts.SignatureWait
	}

	deadline := time.Now().Add(s.opts.SignatureWait)
	for {
		count, err := s.collector.GetCollectedSignatureCount(ctx, proposalID)
		if err != nil {
			return false, err
		}
		if count >= required {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(poll):
		}
	}
}
