package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/stake-plus/govengine/src/types"
)

// ExecutionProvider applies an approved proposal's effect (treasury transfer,
// parameter write, contract call). Implementations must be idempotent per
// proposal ID: a retry after a partial failure must not double-apply.
type ExecutionProvider interface {
	Execute(ctx context.Context, proposalID uint64, params string) (externalRef string, err error)
}

// SignatureCollector reports how many multi-sig approvals have been gathered
// for a proposal.
type SignatureCollector interface {
	GetCollectedSignatureCount(ctx context.Context, proposalID uint64) (int, error)
}

// Registry maps proposal types to execution providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[types.ProposalType]ExecutionProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[types.ProposalType]ExecutionProvider)}
}

// Register binds a provider to a proposal type, replacing any previous one.
func (r *Registry) Register(t types.ProposalType, p ExecutionProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[t] = p
}

// Provider returns the provider for t.
func (r *Registry) Provider(t types.ProposalType) (ExecutionProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	if !ok {
		return nil, fmt.Errorf("no execution provider registered for proposal type %q", t)
	}
	return p, nil
}
