package audit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const streamEvents = "govengine.events"

// Event records a status transition or execution attempt. Delivery is
// fire-and-forget: a failed publish is logged, never propagated.
type Event struct {
	Kind       string
	ProposalID uint64
	Actor      string
	Detail     string
	At         time.Time
}

// Sink consumes audit events.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// RedisSink appends events to a redis stream for downstream consumers
// (notification bots, indexers).
type RedisSink struct {
	rdb *redis.Client
}

func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamEvents,
		Values: map[string]interface{}{
			"kind":       ev.Kind,
			"proposalId": ev.ProposalID,
			"actor":      ev.Actor,
			"detail":     ev.Detail,
			"at":         ev.At.Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		log.Printf("audit: publish %s for proposal %d failed: %v", ev.Kind, ev.ProposalID, err)
	}
}

// NopSink drops every event. Used in tests and when redis is not configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) {}
