package data

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stake-plus/govengine/src/types"
)

const tallyPrefix = "govengine:tally:"

func MustRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return redis.NewClient(opt)
}

// CacheTally stores a tally snapshot so scaled readers can serve it without
// re-aggregating votes. TTL keeps staleness bounded.
func CacheTally(ctx context.Context, rdb *redis.Client, snap types.TallySnapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, tallyKey(snap.ProposalID), raw, ttl).Err()
}

// GetCachedTally returns the cached snapshot, or types.ErrNotFound when the
// key is absent or expired.
func GetCachedTally(ctx context.Context, rdb *redis.Client, proposalID uint64) (types.TallySnapshot, error) {
	var snap types.TallySnapshot
	raw, err := rdb.Get(ctx, tallyKey(proposalID)).Bytes()
	if err == redis.Nil {
		return snap, types.ErrNotFound
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func tallyKey(proposalID uint64) string {
	return fmt.Sprintf("%s%d", tallyPrefix, proposalID)
}
