package shardquery

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// shardJob pairs one shard with the command clone dispatched to it.
type shardJob struct {
	Shard    ShardEndpoint
	Template *CommandTemplate
}

// dispatcher launches one shardExecutor per (shard, command) pair
// concurrently, awaits all of them, and classifies the aggregate
// outcome according to the completeness policy.
type dispatcher struct {
	client    ShardClient
	logger    *zap.Logger
	connRetry *RetryPolicy
	cmdRetry  *RetryPolicy
	policy    ExecutionPolicy
	events    EventHandlers
}

func newDispatcher(client ShardClient, logger *zap.Logger, connRetry, cmdRetry *RetryPolicy, policy ExecutionPolicy, events EventHandlers) *dispatcher {
	return &dispatcher{client: client, logger: logger, connRetry: connRetry, cmdRetry: cmdRetry, policy: policy, events: events}
}

// dispatchResult is the parent task's classified outcome.
type dispatchResult struct {
	Reader *MergedReader
	Err    error
}

// Dispatch runs jobs concurrently and classifies the aggregate outcome
// per spec §4.5. opts is forwarded to the constructed MergedReader.
func (d *dispatcher) Dispatch(ctx context.Context, jobs []shardJob, mgr *cancellationManager, opts ExecutionOptions) dispatchResult {
	token := mgr.Token()
	outcomes := make([]shardOutcome, len(jobs))

	g, gctx := errgroup.WithContext(context.Background())
	_ = gctx // the group's own ctx cancellation is unused: each executor
	// honors mgr.Token() directly, not errgroup's derived context, so
	// that a single shard's failure under PolicyPartial never cancels
	// its siblings through the group.

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			exec := newShardExecutor(d.client, d.logger, d.connRetry, d.cmdRetry, d.policy, d.events)
			outcomes[i] = exec.Run(ctx, job.Shard, job.Template, mgr)
			// Never return a non-nil error here: outcome classification
			// is this dispatcher's job, not errgroup's first-error-wins
			// cancellation.
			return nil
		})
	}
	g.Wait()

	for i, job := range jobs {
		recordShardOutcome(job.Shard, outcomes[i])
	}

	return d.classify(outcomes, mgr, opts)
}

// classify implements spec §4.5's parent outcome classification. Under
// PolicyComplete a per-shard fault or cancellation aborts the whole
// invocation (fault takes priority over cancellation, matching the
// convention that an aggregate-of-tasks only reports "cancelled" when
// nothing actually faulted). Under PolicyPartial neither a fault nor a
// cancellation aborts anything by itself — both fold into the merged
// reader's per-shard exception collection exactly like a schema
// mismatch does — unless literally every shard ends up in the failure
// bucket, in which case the aggregate is surfaced as the single error
// instead of returning an empty reader.
func (d *dispatcher) classify(outcomes []shardOutcome, mgr *cancellationManager, opts ExecutionOptions) dispatchResult {
	if d.policy == PolicyComplete {
		return d.classifyComplete(outcomes, mgr, opts)
	}
	return d.classifyPartial(outcomes, opts)
}

func (d *dispatcher) classifyComplete(outcomes []shardOutcome, mgr *cancellationManager, opts ExecutionOptions) dispatchResult {
	var faultErrs []error
	var anyCancelled bool

	for _, o := range outcomes {
		switch {
		case o.Cancelled:
			anyCancelled = true
		case o.Err != nil:
			faultErrs = append(faultErrs, o.Err)
		}
	}

	if len(faultErrs) > 0 {
		d.closeSuccessfulReaders(outcomes)
		return dispatchResult{Err: newAggregateError(faultErrs)}
	}

	if anyCancelled {
		d.closeSuccessfulReaders(outcomes)
		if mgr.TimeoutExpired() {
			return dispatchResult{Err: newError(KindTimeout, nil, "overall command timeout elapsed", nil)}
		}
		return dispatchResult{Err: newError(KindCancelled, nil, "multi-shard execution cancelled", nil)}
	}

	labeled := make([]*LabeledReader, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Reader == nil {
			return dispatchResult{Err: newError(KindInternal, nil, "shard outcome missing labeled reader", nil)}
		}
		if o.Reader.IsFailure() {
			// Per the open question in spec §9: every child succeeding
			// at the task level while still producing a failure-case
			// reader cannot happen under PolicyComplete (that shape is
			// exclusive to PolicyPartial). Treat it as an internal
			// invariant violation rather than silently aggregating.
			return dispatchResult{Err: newError(KindInternal, nil, "failure-case labeled reader observed under complete policy", nil)}
		}
		labeled = append(labeled, o.Reader)
	}

	reader, err := newMergedReader(labeled, opts, d.policy, d.logger)
	if err != nil {
		return dispatchResult{Err: err}
	}
	return dispatchResult{Reader: reader}
}

func (d *dispatcher) classifyPartial(outcomes []shardOutcome, opts ExecutionOptions) dispatchResult {
	labeled := make([]*LabeledReader, 0, len(outcomes))
	allFailureCase := true

	for _, o := range outcomes {
		var lr *LabeledReader
		switch {
		case o.Cancelled:
			lr = newFailureLabeledReader(o.Shard, o.Err)
		case o.Reader != nil:
			lr = o.Reader
		default:
			return dispatchResult{Err: newError(KindInternal, nil, "shard outcome missing labeled reader", nil)}
		}
		labeled = append(labeled, lr)
		if !lr.IsFailure() {
			allFailureCase = false
		}
	}

	if allFailureCase {
		errs := make([]error, len(labeled))
		for i, lr := range labeled {
			errs[i] = lr.Err
		}
		return dispatchResult{Err: newAggregateError(errs)}
	}

	reader, err := newMergedReader(labeled, opts, d.policy, d.logger)
	if err != nil {
		return dispatchResult{Err: err}
	}
	return dispatchResult{Reader: reader}
}

// closeSuccessfulReaders terminates any reader that did open: cancel
// its command then close its reader, swallowing errors. This is the
// sole code path permitted to cancel+close a reader concurrently with
// its originating executor, since it only runs after every executor
// has returned.
func (d *dispatcher) closeSuccessfulReaders(outcomes []shardOutcome) {
	for _, o := range outcomes {
		if o.Reader != nil && !o.Reader.IsFailure() {
			o.Reader.Cancel()
			o.Reader.Close()
		}
	}
}
