// Package scheduler implements the Flowmill polling trigger scheduler.
//
// A 1 Hz tick driver folds the live flow catalog into scheduling units
// and runs every polling trigger through the eligibility gates: condition
// check, per-trigger interval spacing, single-flight, and the
// prior-execution gate. Admitted triggers are evaluated on a bounded
// elastic pool; a fire persists the trigger record first and then emits
// the execution onto the outbound queue.
//
// All bookkeeping (lastEvaluate, evaluateRunning and its gauge mirror)
// lives under one coarse per-scheduler lock that also covers the
// selection phase, keeping check-then-admit atomic against concurrent
// result handlers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flowmill/internal/metrics"
	"flowmill/internal/types"
)

// FlowLister supplies the current flow snapshot. Called once per tick;
// must be a cheap O(#flows) read.
type FlowLister interface {
	Flows() []types.Flow
}

// ConditionEvaluator decides whether a trigger is eligible for its flow
// at this moment. Must be pure and cheap.
type ConditionEvaluator interface {
	IsValid(trigger types.TriggerDecl, flow types.Flow) bool
}

// TriggerStateStore persists the per-trigger last-fire record.
type TriggerStateStore interface {
	// FindLast returns the current record for the context's trigger
	// identity, or nil when none exists.
	FindLast(ctx context.Context, tc types.TriggerContext) (*types.TriggerRecord, error)

	// Save upserts the record by trigger identity. Must be durable
	// before returning; the caller treats a returned nil as committed.
	Save(ctx context.Context, rec types.TriggerRecord) error
}

// ExecutionStateStore looks up previously emitted executions as seen by
// the indexer.
type ExecutionStateStore interface {
	// FindByID returns the execution, or nil when the indexer has not
	// received it yet.
	FindByID(ctx context.Context, id string) (*types.Execution, error)
}

// ExecutionQueue is the outbound transport for fired executions.
type ExecutionQueue interface {
	Emit(ctx context.Context, exec types.Execution) error
}

// RunContextFactory builds the per-evaluation run context.
type RunContextFactory interface {
	Of(flow types.Flow, trigger types.TriggerDecl) types.RunContext
}

// Config wires the scheduler's collaborators and tuning. All collaborator
// fields are required; tuning fields fall back to defaults when zero.
type Config struct {
	Flows          FlowLister
	Conditions     ConditionEvaluator
	TriggerState   TriggerStateStore
	ExecutionState ExecutionStateStore
	Queue          ExecutionQueue
	RunContexts    RunContextFactory
	Metrics        *metrics.Registry

	// TickInterval is the fixed arrival rate of the selection phase.
	// Defaults to one second.
	TickInterval time.Duration

	// MaxConcurrentEvaluations bounds the evaluation pool. Defaults to 64.
	MaxConcurrentEvaluations int

	Clock  Clock
	Logger *slog.Logger

	// OnFatal is invoked by the watchdog when the tick driver dies. The
	// default logs and exits the process with a non-zero status so an
	// orchestrator restarts the scheduler.
	OnFatal func(error)
}

// Scheduler drives polling trigger evaluation. Create with New, then
// Start; Close stops the driver and drains in-flight evaluations.
type Scheduler struct {
	flows          FlowLister
	conditions     ConditionEvaluator
	triggerState   TriggerStateStore
	executionState ExecutionStateStore
	queue          ExecutionQueue
	runContexts    RunContextFactory
	metrics        *metrics.Registry

	tickInterval time.Duration
	clock        Clock
	logger       *slog.Logger
	onFatal      func(error)

	pool *Pool

	// mu guards the three maps below plus the whole selection phase.
	mu              sync.Mutex
	lastEvaluate    map[string]time.Time
	evaluateRunning map[string]time.Time
	runningGauges   map[string]prometheus.Gauge

	started    atomic.Bool
	closing    atomic.Bool
	stopOnce   sync.Once
	stop       chan struct{}
	driverDone chan struct{}
	driverErr  error
}

// New validates the configuration and builds a scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Flows == nil:
		return nil, fmt.Errorf("scheduler: flow lister must not be nil")
	case cfg.Conditions == nil:
		return nil, fmt.Errorf("scheduler: condition evaluator must not be nil")
	case cfg.TriggerState == nil:
		return nil, fmt.Errorf("scheduler: trigger state store must not be nil")
	case cfg.ExecutionState == nil:
		return nil, fmt.Errorf("scheduler: execution state store must not be nil")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("scheduler: execution queue must not be nil")
	case cfg.RunContexts == nil:
		return nil, fmt.Errorf("scheduler: run context factory must not be nil")
	case cfg.Metrics == nil:
		return nil, fmt.Errorf("scheduler: metrics registry must not be nil")
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxConcurrentEvaluations <= 0 {
		cfg.MaxConcurrentEvaluations = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{
		flows:           cfg.Flows,
		conditions:      cfg.Conditions,
		triggerState:    cfg.TriggerState,
		executionState:  cfg.ExecutionState,
		queue:           cfg.Queue,
		runContexts:     cfg.RunContexts,
		metrics:         cfg.Metrics,
		tickInterval:    cfg.TickInterval,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		onFatal:         cfg.OnFatal,
		pool:            NewPool(cfg.MaxConcurrentEvaluations),
		lastEvaluate:    make(map[string]time.Time),
		evaluateRunning: make(map[string]time.Time),
		runningGauges:   make(map[string]prometheus.Gauge),
		stop:            make(chan struct{}),
		driverDone:      make(chan struct{}),
	}

	if s.onFatal == nil {
		s.onFatal = func(err error) {
			s.logger.Error("scheduler driver fatal, exiting", "error", err)
			os.Exit(1)
		}
	}

	return s, nil
}

// Start launches the tick driver and a detached watchdog. The watchdog
// awaits driver completion; if the driver dies outside of Close, it
// reports the cause through OnFatal. Scheduler failure is unrecoverable
// and must be surfaced to an orchestrator.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	go s.runDriver(ctx)
	go s.watchdog()
}

// Close stops the tick driver and waits for in-flight evaluations to run
// to completion. The pool is never forcibly interrupted; result handlers
// may observe a closed outbound queue and surface the emit as a failure.
func (s *Scheduler) Close() {
	s.closing.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.driverDone
	}
	s.pool.Wait()
}

// runDriver fires the selection phase at a fixed arrival rate. The
// ticker's one-element buffer caps overruns at a single pending tick, so
// an overrunning selection phase is followed immediately by the next tick
// without unbounded queueing.
func (s *Scheduler) runDriver(ctx context.Context) {
	defer close(s.driverDone)
	defer func() {
		if r := recover(); r != nil {
			s.driverErr = fmt.Errorf("scheduler driver panic: %v", r)
		}
	}()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Context cancellation is an orderly application teardown,
			// not a driver death; keep the watchdog quiet.
			s.closing.Store(true)
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// watchdog awaits driver completion and tears the process down when the
// driver died rather than being closed.
func (s *Scheduler) watchdog() {
	<-s.driverDone

	if s.closing.Load() {
		return
	}
	err := s.driverErr
	if err == nil {
		err = errors.New("scheduler driver stopped unexpectedly")
	}
	s.logger.Error("scheduler driver terminated", "error", err)
	s.onFatal(err)
}

// tick runs one selection phase under the scheduler lock. A panic inside
// a tick is isolated so one poisoned trigger or store cannot halt the
// driver; the next tick proceeds normally.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick failed", "panic", r)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().Truncate(time.Second)
	flows := s.flows.Flows()

	var schedulable, admitted int
	for _, flow := range flows {
		if len(flow.Triggers) == 0 {
			continue
		}
		for _, decl := range flow.Triggers {
			polling, ok := decl.(types.PollingTrigger)
			if !ok {
				continue
			}
			schedulable++

			if !s.conditions.IsValid(decl, flow) {
				continue
			}

			tc := types.TriggerContext{
				Namespace:    flow.Namespace,
				FlowID:       flow.ID,
				FlowRevision: flow.Revision,
				TriggerID:    decl.ID(),
				Date:         now,
			}

			if !s.intervalElapsed(tc.UID(), polling.Interval(), now) {
				continue
			}
			if _, running := s.evaluateRunning[tc.UID()]; running {
				continue
			}

			last, err := s.lastRecord(ctx, polling, tc)
			if err != nil {
				s.logger.Warn("trigger record lookup failed, schedule blocked",
					"namespace", tc.Namespace,
					"flow_id", tc.FlowID,
					"trigger_id", tc.TriggerID,
					"error", err,
				)
				continue
			}
			if !s.admitAgainstLastExecution(ctx, tc, last) {
				continue
			}

			// The evaluation context carries the computed next firing
			// instant, not the admission instant; the persisted record
			// date and execution variables both derive from it.
			evalCtx := tc
			evalCtx.Date = polling.NextDate(last)

			s.addToRunning(tc)
			admitted++
			s.dispatch(ctx, flow, decl, polling, evalCtx)
		}
	}

	s.logger.Debug("scheduler tick",
		"flows", len(flows),
		"schedulable", schedulable,
		"admitted", admitted,
	)
}

// intervalElapsed is the interval gate. First sighting admits and records
// now; afterwards admission requires lastEvaluate + interval < now,
// strictly. The timestamp is advanced on every admission through this
// gate, whether or not a later gate rejects the trigger.
func (s *Scheduler) intervalElapsed(uid string, interval time.Duration, now time.Time) bool {
	last, seen := s.lastEvaluate[uid]
	if !seen {
		s.lastEvaluate[uid] = now
		return true
	}

	if last.Add(interval).Before(now) {
		s.lastEvaluate[uid] = now
		return true
	}

	return false
}

// lastRecord loads the trigger record, synthesizing an in-memory one when
// the store has none. The synthesized date is min(NextDate(nil), now):
// NextDate needs a well-defined baseline on first-ever evaluation, and
// clamping to now guards against NextDate returning a past instant.
func (s *Scheduler) lastRecord(ctx context.Context, polling types.PollingTrigger, tc types.TriggerContext) (*types.TriggerRecord, error) {
	rec, err := s.triggerState.FindLast(ctx, tc)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	date := polling.NextDate(nil)
	if now := s.clock.Now(); now.Before(date) {
		date = now
	}

	return &types.TriggerRecord{
		Namespace:    tc.Namespace,
		FlowID:       tc.FlowID,
		FlowRevision: tc.FlowRevision,
		TriggerID:    tc.TriggerID,
		Date:         date,
	}, nil
}

// admitAgainstLastExecution is the prior-execution gate. A record holding
// an execution id blocks admission until the indexer has that execution
// in a terminal state. An execution the indexer has not seen yet also
// blocks: emitting on top of it could double-fire.
func (s *Scheduler) admitAgainstLastExecution(ctx context.Context, tc types.TriggerContext, last *types.TriggerRecord) bool {
	if last.ExecutionID == "" {
		return true
	}

	exec, err := s.executionState.FindByID(ctx, last.ExecutionID)
	if err != nil {
		s.logger.Warn("execution lookup failed, schedule blocked",
			"execution_id", last.ExecutionID,
			"namespace", last.Namespace,
			"flow_id", last.FlowID,
			"error", err,
		)
		return false
	}
	if exec == nil {
		s.logger.Warn("execution not found, schedule is blocked",
			"execution_id", last.ExecutionID,
			"namespace", last.Namespace,
			"flow_id", last.FlowID,
		)
		return false
	}
	if exec.State.Terminal() {
		return true
	}

	s.logger.Debug("execution still running, waiting for next evaluation",
		"execution_id", last.ExecutionID,
		"namespace", last.Namespace,
		"flow_id", last.FlowID,
		"state", string(exec.State),
	)
	return false
}

// addToRunning marks the trigger in-flight and bumps its gauge. Caller
// holds s.mu.
func (s *Scheduler) addToRunning(tc types.TriggerContext) {
	uid := tc.UID()
	gauge, ok := s.runningGauges[uid]
	if !ok {
		gauge = s.metrics.Gauge(
			metrics.SchedulerEvaluateRunningCount,
			metrics.TriggerTags(tc.Namespace, tc.FlowID, tc.TriggerID),
		)
		s.runningGauges[uid] = gauge
	}

	s.evaluateRunning[uid] = s.clock.Now()
	gauge.Inc()
}

// removeFromRunning releases the trigger's running slot. Releasing a slot
// that was never taken is an internal-state violation.
func (s *Scheduler) removeFromRunning(tc types.TriggerContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid := tc.UID()
	if _, ok := s.evaluateRunning[uid]; !ok {
		return fmt.Errorf("scheduler: releasing trigger %q: %w", uid, types.ErrNotRunning)
	}

	delete(s.evaluateRunning, uid)
	s.runningGauges[uid].Dec()
	return nil
}

// dispatch hands one admitted evaluation to the pool.
func (s *Scheduler) dispatch(ctx context.Context, flow types.Flow, decl types.TriggerDecl, polling types.PollingTrigger, tc types.TriggerContext) {
	s.pool.Submit(func() {
		exec, err := s.evaluate(ctx, flow, decl, polling, tc)
		s.handleResult(ctx, tc, exec, err)
	})
}

// evaluate runs the user trigger code with a fresh run context, timing
// the call. A panic inside user code is converted to an evaluation error
// so one broken trigger cannot take the pool down.
func (s *Scheduler) evaluate(ctx context.Context, flow types.Flow, decl types.TriggerDecl, polling types.PollingTrigger, tc types.TriggerContext) (exec *types.Execution, err error) {
	defer func() {
		if r := recover(); r != nil {
			exec = nil
			err = types.NewAppError(types.ErrCodeTriggerEvaluate,
				fmt.Sprintf("trigger evaluation panicked: %v", r), nil)
		}
	}()

	rc := s.runContexts.Of(flow, decl)
	timer := s.metrics.Timer(
		metrics.SchedulerEvaluateDuration,
		metrics.TriggerTags(tc.Namespace, tc.FlowID, tc.TriggerID),
	)

	start := time.Now()
	exec, err = polling.Evaluate(ctx, rc, tc)
	timer.ObserveSince(start)

	return exec, err
}

// handleResult releases the running slot and finishes the evaluation:
// fires persist the trigger record and then emit, in that order, so a
// crash between the two leaves a blocked schedule rather than a duplicate
// execution.
func (s *Scheduler) handleResult(ctx context.Context, tc types.TriggerContext, exec *types.Execution, evalErr error) {
	if err := s.removeFromRunning(tc); err != nil {
		s.logger.Error("scheduler state violation",
			"uid", tc.UID(),
			"error", types.NewAppError(types.ErrCodeInternalState, "running slot already released", err),
		)
		return
	}

	if evalErr != nil {
		s.logger.Warn("trigger evaluation failed",
			"namespace", tc.Namespace,
			"flow_id", tc.FlowID,
			"trigger_id", tc.TriggerID,
			"date", tc.Date,
			"error", evalErr,
		)
		return
	}

	if exec == nil {
		s.logger.Debug("empty evaluation, waiting",
			"namespace", tc.Namespace,
			"flow_id", tc.FlowID,
			"date", tc.Date,
		)
		return
	}

	s.metrics.Counter(
		metrics.SchedulerTriggerCount,
		metrics.TriggerTags(tc.Namespace, tc.FlowID, tc.TriggerID),
	).Inc()

	s.logger.Info("schedule execution",
		"execution_id", exec.ID,
		"namespace", exec.Namespace,
		"flow_id", exec.FlowID,
		"trigger_date", tc.Date,
		"trigger_id", tc.TriggerID,
	)

	rec := types.NewTriggerRecord(tc, *exec)
	if err := s.triggerState.Save(ctx, rec); err != nil {
		s.logger.Warn("failed to persist trigger record, execution not emitted",
			"namespace", tc.Namespace,
			"flow_id", tc.FlowID,
			"trigger_id", tc.TriggerID,
			"execution_id", exec.ID,
			"error", err,
		)
		return
	}

	if err := s.queue.Emit(ctx, *exec); err != nil {
		s.logger.Warn("failed to emit execution after record persisted",
			"namespace", tc.Namespace,
			"flow_id", tc.FlowID,
			"trigger_id", tc.TriggerID,
			"execution_id", exec.ID,
			"error", err,
		)
	}
}

// Running returns a copy of the in-flight evaluation set keyed by trigger
// uid, for the ops surface.
func (s *Scheduler) Running() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.evaluateRunning))
	for uid, since := range s.evaluateRunning {
		out[uid] = since
	}
	return out
}

// LastEvaluations returns a copy of the last admission times keyed by
// trigger uid.
func (s *Scheduler) LastEvaluations() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.lastEvaluate))
	for uid, at := range s.lastEvaluate {
		out[uid] = at
	}
	return out
}
