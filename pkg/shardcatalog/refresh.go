package shardcatalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sharding-system/pkg/shardquery"
	"go.uber.org/zap"
)

// DefaultRefreshSchedule polls a provider's Snapshot every 30 seconds
// as a backstop alongside its Watch stream, mirroring the teacher's use
// of cron for periodic background jobs.
const DefaultRefreshSchedule = "@every 30s"

// Refresher fans one SnapshotProvider's updates out to any number of
// subscribers, deduplicating by a cache key so an unchanged snapshot
// (whether it arrived via Watch or the scheduled poll) is never
// republished.
type Refresher struct {
	provider SnapshotProvider
	schedule string
	logger   *zap.Logger

	mu          sync.Mutex
	subscribers []chan []shardquery.ShardEndpoint
	current     []shardquery.ShardEndpoint
	lastKey     uint64
	hasLast     bool
}

// NewRefresher builds a Refresher over provider. An empty schedule
// falls back to DefaultRefreshSchedule.
func NewRefresher(provider SnapshotProvider, schedule string, logger *zap.Logger) *Refresher {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{provider: provider, schedule: schedule, logger: logger}
}

// Run starts the provider's Watch stream and a cron-scheduled poll,
// publishing both into the same deduplicated fan-out, until ctx is
// cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	watchCh, err := r.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("shardcatalog: failed to start watch: %w", err)
	}

	c := cron.New()
	entryID, err := c.AddFunc(r.schedule, func() {
		snap, err := r.provider.Snapshot(ctx)
		if err != nil {
			r.logger.Warn("shardcatalog: scheduled snapshot refresh failed", zap.Error(err))
			return
		}
		r.publish(snap)
	})
	if err != nil {
		return fmt.Errorf("shardcatalog: invalid refresh schedule %q: %w", r.schedule, err)
	}
	c.Start()
	defer func() {
		c.Remove(entryID)
		<-c.Stop().Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-watchCh:
			if !ok {
				return nil
			}
			r.publish(snap)
		}
	}
}

// Subscribe registers a channel that receives every subsequently
// published snapshot, seeded with the most recent one if Run has
// already published at least one. The returned func unsubscribes and
// closes the channel; callers must either keep draining it or call
// that func, since a full channel drops the newest snapshot rather
// than blocking the publisher.
func (r *Refresher) Subscribe() (<-chan []shardquery.ShardEndpoint, func()) {
	ch := make(chan []shardquery.ShardEndpoint, 1)

	r.mu.Lock()
	if r.hasLast {
		ch <- r.current
	}
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subscribers {
			if s == ch {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

func (r *Refresher) publish(snap []shardquery.ShardEndpoint) {
	key := snapshotCacheKey(snap)

	r.mu.Lock()
	if r.hasLast && r.lastKey == key {
		r.mu.Unlock()
		return
	}
	r.lastKey = key
	r.hasLast = true
	r.current = snap
	subs := append([]chan []shardquery.ShardEndpoint(nil), r.subscribers...)
	r.mu.Unlock()

	for _, s := range subs {
		select {
		case s <- snap:
		default:
		}
	}
}
