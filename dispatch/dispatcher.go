// Package dispatch matches ready tasks to agent capacity. A Dispatcher owns
// the task queue, the agent pool and the completion ledger; every mutation
// of those happens under its single mutex.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/internal/metrics"
	"github.com/GoCodeAlone/conductor/task"
)

var (
	// ErrClosed is returned by submissions after Shutdown has begun.
	ErrClosed = errors.New("dispatcher closed")
	// ErrTimeout is recorded on attempts that exceed the task timeout.
	ErrTimeout = errors.New("task timed out")
	// ErrShutdown is recorded on tasks force-failed at shutdown.
	ErrShutdown = errors.New("dispatcher shut down")
)

// RetryPolicy bounds automatic re-enqueue after a failed attempt.
type RetryPolicy struct {
	MaxRetries    int  `json:"max_retries"`
	DistinctAgent bool `json:"distinct_agent"` // only retry on an agent that has not attempted the task
}

// DefaultRetryPolicy retries once on a different agent.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 1, DistinctAgent: true}

// Option configures a Dispatcher. Use With* functions to create Options.
type Option func(*options)

type options struct {
	ledger      task.Ledger
	pool        *agent.Pool
	bus         comms.Bus
	metrics     *metrics.Collector
	logger      *zap.Logger
	retry       RetryPolicy
	taskTimeout time.Duration
	now         func() time.Time
}

// WithLedger sets the completion ledger. The default is a MemoryLedger.
func WithLedger(l task.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithPool sets the agent pool. The default is an empty pool.
func WithPool(p *agent.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithBus sets the bus that receives task and agent updates.
func WithBus(b comms.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithTaskTimeout sets the per-attempt ceiling measured from assignment.
// Zero disables timeouts.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) { o.taskTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// run tracks one attempt held by an agent.
type run struct {
	agentID string
	attempt int
	local   bool
	cancel  context.CancelFunc
	timer   *time.Timer
	since   time.Time
	outcome agent.Outcome // recorded against the agent once an orphaned unit returns
}

// orphanKey names a superseded local attempt whose execution unit has not
// returned yet. Its slot stays reserved until it does.
type orphanKey struct {
	taskID  string
	attempt int
}

// Dispatcher is the explicit context object owning Queue, Pool and Ledger.
type Dispatcher struct {
	mu sync.Mutex

	queue   *task.Queue
	pool    *agent.Pool
	ledger  task.Ledger
	bus     comms.Bus
	metrics *metrics.Collector
	logger  *zap.Logger
	retry   RetryPolicy
	timeout time.Duration
	now     func() time.Time

	live       map[string]*task.Task // non-terminal tasks
	unsynced   map[string]*task.Task // terminal tasks whose ledger append failed
	dependents map[string][]string   // dependency id -> waiting task ids
	blockers   map[string]int        // waiting task id -> dependencies not yet succeeded
	runs       map[string]*run       // task id -> current attempt
	orphans    map[orphanKey]*run
	seq        uint64
	totals     totals

	started bool
	closed  bool
	drained chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	outbox []*comms.Message
}

type totals struct {
	succeeded int
	failed    int
	cancelled int
}

// New creates a Dispatcher. Nothing is dispatched until Start.
func New(opts ...Option) *Dispatcher {
	o := options{retry: DefaultRetryPolicy, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ledger == nil {
		o.ledger = task.NewMemoryLedger()
	}
	if o.pool == nil {
		o.pool = agent.NewPool()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.retry.MaxRetries < 0 {
		o.retry.MaxRetries = 0
	}

	return &Dispatcher{
		queue:      task.NewQueue(),
		pool:       o.pool,
		ledger:     o.ledger,
		bus:        o.bus,
		metrics:    o.metrics,
		logger:     o.logger.With(zap.String("component", "dispatcher")),
		retry:      o.retry,
		timeout:    o.taskTimeout,
		now:        o.now,
		live:       make(map[string]*task.Task),
		unsynced:   make(map[string]*task.Task),
		dependents: make(map[string][]string),
		blockers:   make(map[string]int),
		runs:       make(map[string]*run),
		orphans:    make(map[orphanKey]*run),
		baseCtx:    context.Background(),
	}
}

// lock starts a mutation turn.
func (d *Dispatcher) lock() { d.mu.Lock() }

// unlock ends the turn and publishes the events it produced.
func (d *Dispatcher) unlock() {
	msgs := d.outbox
	d.outbox = nil
	d.mu.Unlock()
	d.publish(msgs)
}

// Start enables dispatching. Executions run under a context detached from
// ctx's cancellation; only Shutdown cancels them.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lock()
	defer d.unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return nil
	}
	d.started = true
	d.baseCtx, d.stop = context.WithCancel(context.WithoutCancel(ctx))
	d.logger.Info("dispatcher started",
		zap.Int("agents", d.pool.Len()),
		zap.Int("queued", d.queue.Len()),
		zap.Int("max_retries", d.retry.MaxRetries),
		zap.Bool("distinct_agent_retry", d.retry.DistinctAgent),
		zap.Duration("task_timeout", d.timeout),
	)
	d.pumpLocked()
	return nil
}

// Shutdown stops dispatching and rejects new submissions, waits for
// in-flight attempts until ctx expires, then fails what is still running
// and cancels what is still queued. It returns a non-nil error when
// attempts had to be failed forcibly.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.lock()
	if d.closed {
		d.unlock()
		return nil
	}
	d.closed = true
	drained := make(chan struct{})
	if len(d.runs)+len(d.orphans) == 0 {
		close(drained)
	} else {
		d.drained = drained
	}
	inflight, orphaned := len(d.runs), len(d.orphans)
	d.unlock()

	d.logger.Info("dispatcher shutting down", zap.Int("in_flight", inflight), zap.Int("orphaned", orphaned))

	forced := false
	select {
	case <-drained:
		units := make(chan struct{})
		go func() { d.wg.Wait(); close(units) }()
		select {
		case <-units:
		case <-ctx.Done():
		}
	case <-ctx.Done():
		forced = true
	}

	d.lock()
	n := d.abortLocked()
	if d.stop != nil {
		d.stop()
	}
	d.unlock()

	if forced && n > 0 {
		return fmt.Errorf("shutdown: failed %d in-flight tasks: %w", n, ctx.Err())
	}
	return nil
}

// abortLocked fails held attempts, frees slots kept by orphaned units and
// cancels queued tasks. It returns the number of attempts failed.
func (d *Dispatcher) abortLocked() int {
	for k, o := range d.orphans {
		delete(d.orphans, k)
		d.pool.Release(o.agentID, k.taskID, agent.OutcomeCancelled)
	}
	failed := 0
	for id, r := range d.runs {
		d.stopRunLocked(r)
		d.pool.Release(r.agentID, id, agent.OutcomeCancelled)
		delete(d.runs, id)
		t := d.live[id]
		if t == nil {
			continue
		}
		t.CompletedBy = r.agentID
		t.Error = ErrShutdown.Error()
		t.FailureKind = task.FailureShutdown
		d.transitionLocked(t, task.StatusFailed)
		d.finalizeLocked(t)
		failed++
	}
	for _, q := range d.queue.Snapshot() {
		t := d.live[q.ID]
		if t == nil || t.Status.IsTerminal() {
			continue
		}
		d.queue.Remove(t.ID)
		t.Error = "shutdown"
		t.FailureKind = task.FailureShutdown
		d.transitionLocked(t, task.StatusCancelled)
		d.finalizeLocked(t)
	}
	d.reportQueueLocked()
	return failed
}

// pumpLocked assigns ready tasks round-robin over agents with spare
// capacity, best agent first, until a round makes no assignment.
func (d *Dispatcher) pumpLocked() {
	if !d.started || d.closed {
		return
	}
	for {
		assigned := false
		for _, slot := range d.pool.Slots() {
			exclude := ""
			if d.retry.DistinctAgent {
				exclude = slot.AgentID
			}
			t := d.queue.DequeueReady(slot.Caps, exclude)
			if t == nil {
				continue
			}
			if d.orphanedOnLocked(t.ID, slot.AgentID) {
				// The agent still runs an earlier attempt of t.
				_ = d.queue.Enqueue(t)
				continue
			}
			if err := d.pool.Assign(slot.AgentID, t.ID, t.Requirements); err != nil {
				d.logger.Error("assignment rejected by pool",
					zap.String("task_id", t.ID), zap.String("agent_id", slot.AgentID), zap.Error(err))
				_ = d.queue.Enqueue(t)
				continue
			}
			d.launchLocked(t, slot.AgentID)
			assigned = true
		}
		if !assigned {
			break
		}
	}
	d.reportQueueLocked()
}

// launchLocked marks t Assigned to agentID and starts its execution unit
// when the agent runs in process.
func (d *Dispatcher) launchLocked(t *task.Task, agentID string) {
	now := d.now()
	t.AssignedAgent = agentID
	t.AssignedAt = &now
	d.transitionLocked(t, task.StatusAssigned)

	attempt := t.Attempt()
	r := &run{agentID: agentID, attempt: attempt, since: now}
	d.runs[t.ID] = r
	d.reportAgentLocked(agentID)

	if d.timeout > 0 {
		id := t.ID
		r.timer = time.AfterFunc(d.timeout, func() { d.expire(id, attempt) })
	}

	d.logger.Debug("task assigned",
		zap.String("task_id", t.ID),
		zap.String("agent_id", agentID),
		zap.Int("attempt", attempt),
		zap.Int("priority", t.Priority),
	)

	exec, _ := d.pool.Executor(agentID)
	if exec == nil {
		return // remote: waits for reports
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	r.local = true
	r.cancel = cancel
	req := agent.Request{
		TaskID:      t.ID,
		Description: t.Description,
		TaskType:    t.Type,
		Context:     t.Clone().Context,
		AgentID:     agentID,
		Attempt:     attempt,
	}
	d.wg.Add(1)
	go d.execute(ctx, exec, req)
}

// execute is the execution unit of one attempt. It produces exactly one report.
func (d *Dispatcher) execute(ctx context.Context, exec agent.Executor, req agent.Request) {
	defer d.wg.Done()
	d.markRunning(req.TaskID, req.Attempt, "")

	result, err := agent.Run(ctx, exec, req)
	if err != nil {
		d.fail(req.TaskID, req.Attempt, "", err, task.FailureExecution)
		return
	}
	d.succeed(req.TaskID, req.Attempt, "", result)
}

func (d *Dispatcher) stopRunLocked(r *run) {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// releaseLocked frees the slot held by r and forgets the attempt.
func (d *Dispatcher) releaseLocked(t *task.Task, r *run, outcome agent.Outcome) {
	d.stopRunLocked(r)
	d.pool.Release(r.agentID, t.ID, outcome)
	delete(d.runs, t.ID)
	d.metrics.ExecutionFinished(string(t.Type), outcomeLabel(outcome), d.now().Sub(r.since))
	d.reportAgentLocked(r.agentID)
	d.checkDrainedLocked()
}

// orphanLocked detaches a local attempt whose task moved on without a
// report from its execution unit. The context is cancelled and the timer
// stopped, but the slot stays reserved until the unit returns; outcome is
// then recorded against the agent.
func (d *Dispatcher) orphanLocked(t *task.Task, r *run, outcome agent.Outcome) {
	d.stopRunLocked(r)
	r.outcome = outcome
	delete(d.runs, t.ID)
	d.orphans[orphanKey{taskID: t.ID, attempt: r.attempt}] = r
	d.metrics.ExecutionFinished(string(t.Type), outcomeLabel(outcome), d.now().Sub(r.since))
}

// releaseOrphanLocked frees the slot of an orphaned unit that returned.
func (d *Dispatcher) releaseOrphanLocked(k orphanKey, o *run) {
	delete(d.orphans, k)
	d.pool.Release(o.agentID, k.taskID, o.outcome)
	d.reportAgentLocked(o.agentID)
	d.checkDrainedLocked()
	d.pumpLocked()
}

func (d *Dispatcher) orphanedOnLocked(taskID, agentID string) bool {
	for k, o := range d.orphans {
		if k.taskID == taskID && o.agentID == agentID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) checkDrainedLocked() {
	if d.drained != nil && len(d.runs)+len(d.orphans) == 0 {
		close(d.drained)
		d.drained = nil
	}
}

// transitionLocked sets t's status and queues an update event. Terminal
// events are queued by recordLocked once the record is complete.
func (d *Dispatcher) transitionLocked(t *task.Task, status task.Status) {
	t.Status = status
	d.metrics.TaskTransition(string(status))
	if !status.IsTerminal() {
		d.emitTaskLocked(t)
	}
}

func (d *Dispatcher) reportQueueLocked() {
	ready := d.queue.CountReady()
	d.metrics.QueueDepth(d.queue.Len()-ready, ready)
}

func (d *Dispatcher) reportAgentLocked(agentID string) {
	if d.metrics == nil {
		return
	}
	if info, err := d.pool.Get(agentID); err == nil {
		d.metrics.AgentLoad(agentID, len(info.CurrentTaskIDs))
	}
}

func outcomeLabel(o agent.Outcome) string {
	switch o {
	case agent.OutcomeSucceeded:
		return "succeeded"
	case agent.OutcomeFailed:
		return "failed"
	default:
		return "cancelled"
	}
}
