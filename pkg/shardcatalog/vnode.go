package shardcatalog

import (
	"sort"

	"github.com/sharding-system/pkg/hashing"
	"github.com/sharding-system/pkg/shardquery"
)

// defaultVNodeCount mirrors the teacher catalog's default virtual-node
// count for a shard with no explicit vnode list.
const defaultVNodeCount = 256

// snapshotCacheKey assigns every endpoint a position on a consistent
// hash ring, the same construction the teacher's ConsistentHashRing
// uses to route keys to shards, but here the ring is never consulted
// for routing: cross-shard fan-out always targets every endpoint in
// the snapshot. The ring only gives each snapshot a stable, order
// -independent identity so a provider can tell "nothing changed" from
// "a shard was added or removed" without a deep compare; the same
// endpoints in a different order give the same key.
func snapshotCacheKey(endpoints []shardquery.ShardEndpoint) uint64 {
	ring := hashing.NewConsistentHash(hashing.NewHashFunction("xxhash"))
	for _, e := range endpoints {
		ring.AddShard(e.String(), defaultVNodeCount)
	}

	labels := ring.GetShards()
	sort.Strings(labels)
	return hashing.SnapshotDigest(hashing.NewHashFunction("xxhash"), labels)
}
