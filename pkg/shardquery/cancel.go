package shardquery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// cancellationManager composes up to four cancellation sources — caller
// token, command-instance token, completeness-policy token (only under
// PolicyComplete), timeout token (only when the command timeout is
// positive) — into one derived token that fires when any source fires.
type cancellationManager struct {
	mu sync.Mutex

	caller  context.Context
	instCtx context.Context
	instCancel context.CancelFunc

	policyCtx    context.Context
	policyCancel context.CancelFunc
	hasPolicy    bool

	timeoutCtx    context.Context
	timeoutCancel context.CancelFunc
	hasTimeout    bool
	timer         *time.Timer

	derived       context.Context
	derivedCancel context.CancelFunc
	timedOut      atomic.Bool
}

// newCancellationManager builds the manager for one invocation. policy
// governs whether a completeness-policy source is armed; timeout, if
// positive, arms a timer source.
func newCancellationManager(caller context.Context, policy ExecutionPolicy, timeout time.Duration) *cancellationManager {
	m := &cancellationManager{caller: caller}
	m.instCtx, m.instCancel = context.WithCancel(context.Background())

	sources := []context.Context{caller, m.instCtx}

	if policy == PolicyComplete {
		m.policyCtx, m.policyCancel = context.WithCancel(context.Background())
		m.hasPolicy = true
		sources = append(sources, m.policyCtx)
	}

	if timeout > 0 {
		m.timeoutCtx, m.timeoutCancel = context.WithCancel(context.Background())
		m.hasTimeout = true
		sources = append(sources, m.timeoutCtx)
		m.timer = time.AfterFunc(timeout, func() {
			m.timedOut.Store(true)
			m.timeoutCancel()
		})
	}

	m.derived, m.derivedCancel = deriveFromAll(sources)
	return m
}

// deriveFromAll returns a context that is cancelled as soon as any of
// srcs is cancelled.
func deriveFromAll(srcs []context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	stop := make(chan struct{})

	for _, s := range srcs {
		go func(s context.Context) {
			select {
			case <-s.Done():
				once.Do(cancel)
			case <-stop:
			}
		}(s)
	}

	return ctx, func() {
		close(stop)
		cancel()
	}
}

// Token returns the single derived token downstream operations must
// honor.
func (m *cancellationManager) Token() context.Context {
	return m.derived
}

// TimeoutExpired reports whether the timeout source specifically fired
// (as opposed to caller cancellation or instance cancellation).
func (m *cancellationManager) TimeoutExpired() bool {
	return m.hasTimeout && m.timedOut.Load()
}

// TriggerPolicyCancel fires the completeness-policy source, cancelling
// all sibling per-shard tasks. A no-op when the manager was built
// without PolicyComplete armed.
func (m *cancellationManager) TriggerPolicyCancel() {
	if m.hasPolicy {
		m.policyCancel()
	}
}

// CancelInstance fires the command-instance source; this is what
// Command.Cancel calls, and is safe from any goroutine.
func (m *cancellationManager) CancelInstance() {
	m.instCancel()
}

// Dispose releases all owned sources. Idempotent via the underlying
// cancel funcs' own idempotence.
func (m *cancellationManager) Dispose() {
	m.instCancel()
	if m.hasPolicy {
		m.policyCancel()
	}
	if m.hasTimeout {
		m.timeoutCancel()
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.derivedCancel()
}
