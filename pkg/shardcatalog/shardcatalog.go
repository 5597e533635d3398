// Package shardcatalog produces shard-map snapshots for the multi-shard
// query engine in pkg/shardquery. The engine itself never resolves a
// key to a shard and never watches anything: it is handed a flat list
// of endpoints to fan a command out to. This package is where that list
// comes from, and how it stays current as shards are added, drained, or
// removed.
package shardcatalog

import (
	"context"

	"github.com/sharding-system/pkg/shardquery"
)

// SnapshotProvider produces the current set of shard endpoints a
// multi-shard command should fan out to, and a stream of updates as
// that set changes. Implementations must only ever surface shards in
// an "active" state; draining or inactive shards are excluded so a
// resharding operation never receives in-flight fan-out traffic.
type SnapshotProvider interface {
	// Snapshot returns the current shard list. Order is not
	// significant to the caller, but implementations return it sorted
	// so repeated calls over an unchanged catalog are directly
	// comparable.
	Snapshot(ctx context.Context) ([]shardquery.ShardEndpoint, error)

	// Watch returns a channel that receives a fresh snapshot whenever
	// the catalog changes, starting with the current snapshot as its
	// first value. The channel is closed when ctx is cancelled.
	Watch(ctx context.Context) (<-chan []shardquery.ShardEndpoint, error)
}

// ShardRecord is the JSON shape a snapshot provider's backing store
// holds per shard. It deliberately carries far less than the teacher's
// models.Shard: a snapshot provider's only job is producing endpoints,
// not owning hash ranges, replica topology, or resharding state.
type ShardRecord struct {
	ID       string                  `json:"id"`
	Endpoint shardquery.ShardEndpoint `json:"endpoint"`
	Status   string                  `json:"status"`
	Version  int64                   `json:"version"`
}

// Active statuses a ShardRecord can carry. Anything else is excluded
// from a snapshot.
const (
	StatusActive   = "active"
	StatusDraining = "draining"
	StatusInactive = "inactive"
)
