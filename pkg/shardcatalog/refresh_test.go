package shardcatalog

import (
	"context"
	"testing"
	"time"

	"github.com/sharding-system/pkg/shardquery"
)

// fakeProvider hands back a scripted Watch stream and whatever
// Snapshot is told to return next, so the scheduled-poll path and the
// watch path can be exercised independently of etcd or Kubernetes.
type fakeProvider struct {
	watchCh chan []shardquery.ShardEndpoint
	current []shardquery.ShardEndpoint
}

func newFakeProvider(initial []shardquery.ShardEndpoint) *fakeProvider {
	ch := make(chan []shardquery.ShardEndpoint, 4)
	ch <- initial
	return &fakeProvider{watchCh: ch, current: initial}
}

func (f *fakeProvider) Snapshot(ctx context.Context) ([]shardquery.ShardEndpoint, error) {
	return f.current, nil
}

func (f *fakeProvider) Watch(ctx context.Context) (<-chan []shardquery.ShardEndpoint, error) {
	return f.watchCh, nil
}

func TestRefresherSubscribeReceivesCurrentSnapshotImmediately(t *testing.T) {
	shard := shardquery.ShardEndpoint{DataSource: "h1", Database: "d"}
	provider := newFakeProvider([]shardquery.ShardEndpoint{shard})
	r := NewRefresher(provider, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Give Run a moment to consume the seeded watch value.
	time.Sleep(20 * time.Millisecond)

	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	select {
	case snap := <-ch:
		if len(snap) != 1 || snap[0] != shard {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the initial snapshot to arrive immediately")
	}
}

func TestRefresherDropsDuplicateSnapshots(t *testing.T) {
	shard := shardquery.ShardEndpoint{DataSource: "h1", Database: "d"}
	provider := newFakeProvider([]shardquery.ShardEndpoint{shard})
	r := NewRefresher(provider, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	<-ch // drain the seeded snapshot

	provider.watchCh <- []shardquery.ShardEndpoint{shard}

	select {
	case snap := <-ch:
		t.Errorf("expected an unchanged snapshot to be deduplicated, got %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRefresherPublishesOnMembershipChange(t *testing.T) {
	a := shardquery.ShardEndpoint{DataSource: "h1", Database: "d"}
	b := shardquery.ShardEndpoint{DataSource: "h2", Database: "d"}
	provider := newFakeProvider([]shardquery.ShardEndpoint{a})
	r := NewRefresher(provider, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()
	<-ch

	provider.watchCh <- []shardquery.ShardEndpoint{a, b}

	select {
	case snap := <-ch:
		if len(snap) != 2 {
			t.Errorf("expected 2 endpoints after membership change, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a new snapshot after membership change")
	}
}

func TestRefresherUnsubscribeStopsDelivery(t *testing.T) {
	a := shardquery.ShardEndpoint{DataSource: "h1", Database: "d"}
	provider := newFakeProvider([]shardquery.ShardEndpoint{a})
	r := NewRefresher(provider, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	ch, unsubscribe := r.Subscribe()
	<-ch
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Error("expected the channel to be closed after unsubscribe")
	}
}
