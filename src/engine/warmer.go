package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stake-plus/govengine/src/types"
)

// TallyWarmer keeps the cached tally snapshot of every Active proposal fresh
// so reads between lifecycle passes hit a warm cache.
type TallyWarmer struct {
	svc      *Service
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewTallyWarmer(svc *Service, interval time.Duration) *TallyWarmer {
	return &TallyWarmer{svc: svc, interval: interval}
}

func (w *TallyWarmer) Name() string { return "tallycache" }

func (w *TallyWarmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(runCtx)
	return nil
}

func (w *TallyWarmer) Stop(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
	}
	w.running = false
}

func (w *TallyWarmer) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run immediately
	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *TallyWarmer) tick(ctx context.Context) {
	var ids []uint64
	if err := w.svc.db.Model(&types.Proposal{}).
		Where("status = ?", types.ProposalStatusActive).
		Pluck("id", &ids).Error; err != nil {
		log.Printf("engine: tally warm pass: %v", err)
		return
	}

	for _, id := range ids {
		if _, err := w.svc.RefreshTally(ctx, id); err != nil {
			log.Printf("engine: tally warm for proposal %d: %v", id, err)
		}
	}
}
