package shardcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sharding-system/pkg/shardquery"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdSnapshotProvider is a SnapshotProvider backed by etcd, adapted
// from the teacher's EtcdCatalog: shard records live as JSON values
// under a key prefix, and a watch on that prefix reloads the full
// snapshot on any put or delete.
type EtcdSnapshotProvider struct {
	client *clientv3.Client
	logger *zap.Logger
	prefix string
}

// NewEtcdSnapshotProvider dials etcd and returns a provider rooted at
// prefix (e.g. "/shards/"). It does not load a snapshot eagerly; the
// first Snapshot or Watch call does that.
func NewEtcdSnapshotProvider(endpoints []string, prefix string, logger *zap.Logger) (*EtcdSnapshotProvider, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("shardcatalog: failed to create etcd client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdSnapshotProvider{client: client, logger: logger, prefix: prefix}, nil
}

// Close releases the underlying etcd client.
func (p *EtcdSnapshotProvider) Close() error {
	return p.client.Close()
}

// Snapshot loads every active ShardRecord under the prefix and returns
// their endpoints, sorted by ID for a stable, comparable order.
func (p *EtcdSnapshotProvider) Snapshot(ctx context.Context) ([]shardquery.ShardEndpoint, error) {
	resp, err := p.client.Get(ctx, p.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("shardcatalog: failed to list shards from etcd: %w", err)
	}

	type idEndpoint struct {
		id       string
		endpoint shardquery.ShardEndpoint
	}
	records := make([]idEndpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec ShardRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			p.logger.Warn("shardcatalog: failed to unmarshal shard record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		if rec.Status != StatusActive {
			continue
		}
		records = append(records, idEndpoint{id: rec.ID, endpoint: rec.Endpoint})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].id < records[j].id })

	endpoints := make([]shardquery.ShardEndpoint, len(records))
	for i, r := range records {
		endpoints[i] = r.endpoint
	}
	return endpoints, nil
}

// Watch streams a fresh snapshot on every prefix change, starting with
// the snapshot current at call time.
func (p *EtcdSnapshotProvider) Watch(ctx context.Context) (<-chan []shardquery.ShardEndpoint, error) {
	initial, err := p.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan []shardquery.ShardEndpoint, 1)
	out <- initial

	go func() {
		defer close(out)
		watchChan := p.client.Watch(ctx, p.prefix, clientv3.WithPrefix())
		for {
			select {
			case <-ctx.Done():
				return
			case wresp, ok := <-watchChan:
				if !ok {
					return
				}
				if wresp.Err() != nil {
					p.logger.Warn("shardcatalog: etcd watch error", zap.Error(wresp.Err()))
					continue
				}
				if len(wresp.Events) == 0 {
					continue
				}
				snap, err := p.Snapshot(ctx)
				if err != nil {
					p.logger.Warn("shardcatalog: snapshot reload after watch event failed", zap.Error(err))
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// RegisterShard writes a new active shard record, failing if one with
// the same ID already exists. Adapted from the teacher's CreateShard
// create-if-absent transaction.
func (p *EtcdSnapshotProvider) RegisterShard(ctx context.Context, id string, endpoint shardquery.ShardEndpoint) error {
	rec := ShardRecord{ID: id, Endpoint: endpoint, Status: StatusActive, Version: 1}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("shardcatalog: failed to marshal shard record: %w", err)
	}

	key := p.prefix + id
	txn := p.client.Txn(ctx)
	txn.If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Else(clientv3.OpGet(key))

	resp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("shardcatalog: failed to register shard in etcd: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("shardcatalog: shard %q already registered", id)
	}
	return nil
}

// SetShardStatus transitions an existing shard record to a new status
// (e.g. StatusDraining ahead of a planned removal), bumping its
// version. Used by an operator taking a shard out of rotation without
// deleting its record outright.
func (p *EtcdSnapshotProvider) SetShardStatus(ctx context.Context, id, status string) error {
	key := p.prefix + id
	resp, err := p.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("shardcatalog: failed to read shard %q: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return fmt.Errorf("shardcatalog: shard %q not found", id)
	}

	var rec ShardRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return fmt.Errorf("shardcatalog: failed to unmarshal shard %q: %w", id, err)
	}
	rec.Status = status
	rec.Version++

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("shardcatalog: failed to marshal shard %q: %w", id, err)
	}
	if _, err := p.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("shardcatalog: failed to update shard %q: %w", id, err)
	}
	return nil
}

// DeregisterShard removes a shard record entirely.
func (p *EtcdSnapshotProvider) DeregisterShard(ctx context.Context, id string) error {
	if _, err := p.client.Delete(ctx, p.prefix+id); err != nil {
		return fmt.Errorf("shardcatalog: failed to deregister shard %q: %w", id, err)
	}
	return nil
}
