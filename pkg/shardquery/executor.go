package shardquery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EventHandlers are the per-invocation lifecycle callbacks described in
// spec §4.8. All handlers run on the executor's goroutine; a panic
// thrown by a handler is captured, wrapped in a shard-scoped error, and
// propagated as a command failure for that shard rather than escaping
// the worker.
type EventHandlers struct {
	Began          func(shard ShardEndpoint)
	ReaderReturned func(shard ShardEndpoint, lr *LabeledReader)
	Succeeded      func(shard ShardEndpoint)
	Faulted        func(shard ShardEndpoint, err error)
	Cancelled      func(shard ShardEndpoint)
}

// fireGuarded runs f and converts any panic into a shard-scoped error
// instead of letting it unwind the executor's goroutine.
func fireGuarded(shard ShardEndpoint, f func()) (err error) {
	if f == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = newShardError(shard, "event handler panicked", fmt.Errorf("%v", r))
		}
	}()
	f()
	return nil
}

// shardOutcome is what one per-shard executor produces for the
// dispatcher to aggregate.
type shardOutcome struct {
	Shard     ShardEndpoint
	Reader    *LabeledReader // set on success
	Err       error          // set on failure or cancellation
	Cancelled bool
}

// shardExecutor runs one (shard, command clone) pair to completion: it
// opens the connection under connRetry, fires began, executes the
// command under cmdRetry (re-cloning the command on every attempt so a
// failed attempt's state residue in the underlying client never leaks
// into the next try), and emits the remaining lifecycle events. One
// shardExecutor instance is used by exactly one goroutine for exactly
// one shard.
type shardExecutor struct {
	client    ShardClient
	logger    *zap.Logger
	connRetry *RetryPolicy
	cmdRetry  *RetryPolicy
	policy    ExecutionPolicy
	events    EventHandlers

	lastCmd ShardCommand
}

func newShardExecutor(client ShardClient, logger *zap.Logger, connRetry, cmdRetry *RetryPolicy, policy ExecutionPolicy, events EventHandlers) *shardExecutor {
	return &shardExecutor{client: client, logger: logger, connRetry: connRetry, cmdRetry: cmdRetry, policy: policy, events: events}
}

// Run executes the full per-shard sequence described in spec §4.4.
func (e *shardExecutor) Run(ctx context.Context, shard ShardEndpoint, template *CommandTemplate, mgr *cancellationManager) shardOutcome {
	token := mgr.Token()

	conn, err := Execute(token, e.connRetry, func(ctx context.Context, attempt int) (ShardConnection, error) {
		return e.client.Open(ctx, shard)
	})
	if err != nil {
		return e.classifyFailure(shard, nil, token, mgr, err)
	}

	if hErr := fireGuarded(shard, func() {
		if e.events.Began != nil {
			e.events.Began(shard)
		}
	}); hErr != nil {
		return e.classifyFailure(shard, conn, token, mgr, hErr)
	}

	reader, err := Execute(token, e.cmdRetry, func(ctx context.Context, attempt int) (RowReader, error) {
		cmd, cloneErr := e.client.Clone(template, conn)
		if cloneErr != nil {
			return nil, cloneErr
		}
		r, _, execErr := cmd.ExecuteReader(ctx)
		if execErr != nil {
			cmd.Close()
			return nil, execErr
		}
		e.lastCmd = cmd
		return r, nil
	})
	if err != nil {
		return e.classifyFailure(shard, conn, token, mgr, err)
	}

	lr := newSuccessLabeledReader(shard, reader, e.lastCmd, conn)

	if hErr := fireGuarded(shard, func() {
		if e.events.ReaderReturned != nil {
			e.events.ReaderReturned(shard, lr)
		}
	}); hErr != nil {
		lr.Close()
		return e.classifyFailure(shard, nil, token, mgr, hErr)
	}

	if hErr := fireGuarded(shard, func() {
		if e.events.Succeeded != nil {
			e.events.Succeeded(shard)
		}
	}); hErr != nil {
		lr.Close()
		return e.classifyFailure(shard, nil, token, mgr, hErr)
	}

	return shardOutcome{Shard: shard, Reader: lr}
}

func (e *shardExecutor) classifyFailure(shard ShardEndpoint, conn ShardConnection, token context.Context, mgr *cancellationManager, err error) shardOutcome {
	if conn != nil {
		conn.Close()
	}

	if token.Err() != nil {
		// Cancellation (from any source) supersedes generic failure
		// classification, per spec §4.1/§7. Whether this aborts the
		// whole invocation or is folded into partial results is the
		// dispatcher's call (§4.5), not this executor's: this level
		// only reports that the shard was cancelled.
		if e.logger != nil {
			e.logger.Debug("shard execution cancelled", zap.String("shard", shard.String()), zap.Error(err))
		}
		fireGuarded(shard, func() {
			if e.events.Cancelled != nil {
				e.events.Cancelled(shard)
			}
		})
		kind := KindCancelled
		if mgr.TimeoutExpired() {
			kind = KindTimeout
		}
		return shardOutcome{Shard: shard, Cancelled: true, Err: newError(kind, &shard, "shard execution cancelled", err)}
	}

	shardErr := newShardError(shard, "shard execution failed", err)
	if e.logger != nil {
		e.logger.Warn("shard execution failed", zap.String("shard", shard.String()), zap.Error(err))
	}

	if e.policy == PolicyComplete {
		mgr.TriggerPolicyCancel()
		fireGuarded(shard, func() {
			if e.events.Faulted != nil {
				e.events.Faulted(shard, shardErr)
			}
		})
		return shardOutcome{Shard: shard, Err: shardErr}
	}

	fireGuarded(shard, func() {
		if e.events.Faulted != nil {
			e.events.Faulted(shard, shardErr)
		}
	})
	return shardOutcome{Shard: shard, Reader: newFailureLabeledReader(shard, shardErr)}
}
