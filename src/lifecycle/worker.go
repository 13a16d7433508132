package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"
)

// Worker drives the state machine on a fixed cadence.
type Worker struct {
	machine  *Machine
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewWorker(machine *Machine, interval time.Duration) *Worker {
	return &Worker{machine: machine, interval: interval}
}

func (w *Worker) Name() string { return "lifecycle" }

func (w *Worker) Start(ctx context.Context) error {
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

func (w *Worker) Stop(ctx context.Context) {
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

func (w *Worker) run(ctx context.Context) {
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

func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UTC()
	if err := w.machine.ActivateDue(ctx, now); err != nil {
		log.Printf("lifecycle: activate pass: %v", err)
	}
	if err := w.machine.EarlyCloseDue(ctx, now); err != nil {
		log.Printf("lifecycle: early close pass: %v", err)
	}
	if err := w.machine.CloseDue(ctx, now); err != nil {
		log.Printf("lifecycle: close pass: %v", err)
	}
	if err := w.machine.ExpireStalled(ctx, now); err != nil {
		log.Printf("lifecycle: expire pass: %v", err)
	}
}
