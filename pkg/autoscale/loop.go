package autoscale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Loop is the control loop of one workload. It owns the workload's State and
// runs ticks strictly one after another.
type Loop struct {
	name   string
	cfg    Config
	source MetricSource
	target ScaleTarget

	logger   *zap.Logger
	metrics  *Metrics
	sink     EventSink
	now      func() time.Time
	driftLog *rate.Sometimes

	// tickMu serializes ticks. state and drift are only touched while it is held.
	tickMu sync.Mutex
	state  State
	drift  driftTracker

	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
	// runCtx is the context of the current or last run; nil before the first Start
	runCtx context.Context
}

// Option customizes a Loop.
type Option func(*Loop)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

func WithEventSink(s EventSink) Option {
	return func(l *Loop) { l.sink = s }
}

// WithClock replaces time.Now for observation timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop validates cfg and binds it to a source and a target. The returned
// loop is stopped.
func NewLoop(name string, cfg Config, source MetricSource, target ScaleTarget, opts ...Option) (*Loop, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: workload name must not be blank", ErrInvalidConfiguration)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: a metric source must be provided", ErrInvalidConfiguration)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: a scale target must be provided", ErrInvalidConfiguration)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loop{
		name:     name,
		cfg:      cfg,
		source:   source,
		target:   target,
		logger:   zap.NewNop(),
		sink:     nopSink{},
		now:      time.Now,
		driftLog: &rate.Sometimes{Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("workload", name))
	l.status = Status{Workload: name, LastAction: NoOp.String()}
	return l, nil
}

func (l *Loop) Name() string   { return l.name }
func (l *Loop) Config() Config { return l.cfg }

// Start begins ticking in a new goroutine. The first tick runs immediately.
// Every start is a cold start: state from a previous run is discarded.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return ErrAlreadyRunning
	}
	if l.done != nil {
		select {
		case <-l.done:
		default:
			return fmt.Errorf("%w: previous run is still stopping", ErrAlreadyRunning)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.runCtx = loopCtx
	l.done = make(chan struct{})
	l.status.Running = true

	go l.run(loopCtx, l.done)

	l.logger.Info("control loop started",
		zap.Int32("min_replicas", l.cfg.MinReplicas),
		zap.Int32("max_replicas", l.cfg.MaxReplicas),
		zap.Float64("threshold", l.cfg.Threshold),
		zap.Duration("polling_interval", l.cfg.PollingInterval),
		zap.Duration("cooldown_period", l.cfg.CooldownPeriod),
		zap.Duration("stabilization_window", l.cfg.StabilizationWindow),
		zap.Duration("call_timeout", l.cfg.callTimeout()),
	)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick, if any, to finish.
// That includes a RunOnce issued by another goroutine. No scale command is
// issued after Stop returns. Safe to call at any time.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	// wait out a manual tick; its context is already cancelled
	l.tickMu.Lock()
	l.tickMu.Unlock() //nolint:staticcheck // empty critical section is the barrier
}

// Running reports whether the loop is ticking.
func (l *Loop) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status.Running
}

// Status returns a snapshot with remaining times computed against the clock.
func (l *Loop) Status() Status {
	l.mu.RLock()
	st := l.status
	l.mu.RUnlock()

	now := l.now()
	snapshot := State{
		LastScaleDownAt:       st.LastScaleDownAt,
		PendingScaleDownSince: st.PendingScaleDownSince,
	}
	st.StabilizationRemaining = snapshot.StabilizationRemaining(l.cfg, now)
	st.CooldownRemaining = snapshot.CooldownRemaining(l.cfg, now)
	st.StabilizationRemainingSeconds = st.StabilizationRemaining.Seconds()
	st.CooldownRemainingSeconds = st.CooldownRemaining.Seconds()
	return st
}

// RunOnce performs a single tick synchronously. It is serialized with the
// ticks of a running loop and is cancelled by Stop. A loop that was started
// and has since stopped returns ErrNotRunning; a loop that was never started
// ticks on ctx alone.
func (l *Loop) RunOnce(ctx context.Context) error {
	l.mu.RLock()
	runCtx := l.runCtx
	l.mu.RUnlock()

	if runCtx == nil {
		return l.tick(ctx)
	}
	if runCtx.Err() != nil {
		return ErrNotRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(runCtx, cancel)
	defer unlink()
	return l.tick(ctx)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.markStopped()

	l.tickMu.Lock()
	l.state = State{}
	l.drift = driftTracker{}
	l.tickMu.Unlock()
	l.metrics.setDrift(l.name, false)

	for {
		if err := l.tick(ctx); errors.Is(err, ErrInvalidConfiguration) {
			l.logger.Error("control loop stopped on configuration error", zap.Error(err))
			l.sink.Publish(context.WithoutCancel(ctx), Event{
				Workload: l.name, Type: EventStopped, At: l.now(), Error: err.Error(),
			})
			return
		}

		// the next tick is scheduled only once this one has finished
		timer := time.NewTimer(l.cfg.PollingInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.status.Running = false
	l.mu.Unlock()
	l.logger.Info("control loop stopped")
}

func (l *Loop) tick(ctx context.Context) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	backlog, err := l.readBacklog(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// stopped mid-read, not a backend fault
			return ctxErr
		}
		err = fmt.Errorf("%w: %w", ErrMetricUnavailable, err)
		l.recordFailure(FailureMetric, err)
		return err
	}

	current, err := l.readReplicas(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fmt.Errorf("%w: %w", ErrTargetUnavailable, err)
		l.recordFailure(FailureReplicas, err)
		return err
	}

	obs := Observation{At: l.now(), Backlog: backlog, CurrentReplicas: current}
	l.checkConvergence(ctx, obs)

	decision, next := Decide(l.cfg, obs, l.state)
	l.metrics.observe(l.name, obs, decision.Desired)

	l.logger.Debug("tick evaluated",
		zap.Int64("backlog", obs.Backlog),
		zap.Int32("current_replicas", obs.CurrentReplicas),
		zap.Int32("desired_replicas", decision.Desired),
		zap.Stringer("action", decision.Action),
		zap.String("reason", decision.Reason),
	)

	if decision.Action == NoOp {
		l.state = next
		l.publishStatus(obs, decision, nil)
		return nil
	}

	// a stop requested mid-tick wins over the command
	if err := ctx.Err(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.callTimeout())
	err = l.target.SetReplicas(callCtx, decision.Desired)
	cancel()

	if err != nil {
		// keep the previous state: a failed scale-down neither advances the
		// cooldown nor restarts stabilization, and a failed scale-up is simply
		// recomputed next tick
		err = fmt.Errorf("%w: %w", ErrScaleCommandFailed, err)
		l.logger.Warn("scale command failed",
			zap.Stringer("action", decision.Action),
			zap.Int32("from", obs.CurrentReplicas),
			zap.Int32("to", decision.Desired),
			zap.Error(err),
		)
		l.metrics.failure(l.name, FailureScale)
		l.publishStatus(obs, decision, err)
		l.sink.Publish(ctx, Event{
			Workload: l.name, Type: EventScaleFailed, From: obs.CurrentReplicas, To: decision.Desired,
			Backlog: obs.Backlog, At: obs.At, Reason: decision.Reason, Error: err.Error(),
		})
		return err
	}

	l.state = next.Applied(decision.Action, obs.At)
	l.drift.commandAccepted(decision.Desired)
	l.metrics.action(l.name, decision.Action)
	l.publishStatus(obs, decision, nil)

	l.logger.Info("scaled workload",
		zap.Stringer("action", decision.Action),
		zap.Int32("from", obs.CurrentReplicas),
		zap.Int32("to", decision.Desired),
		zap.Int64("backlog", obs.Backlog),
		zap.String("reason", decision.Reason),
	)

	evType := EventScaleUp
	if decision.Action == ScaleDown {
		evType = EventScaleDown
	}
	l.sink.Publish(ctx, Event{
		Workload: l.name, Type: evType, From: obs.CurrentReplicas, To: decision.Desired,
		Backlog: obs.Backlog, At: obs.At, Reason: decision.Reason,
	})
	return nil
}

func (l *Loop) readBacklog(ctx context.Context) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.callTimeout())
	defer cancel()

	backlog, err := l.source.ReadBacklog(callCtx)
	if err != nil {
		return 0, err
	}
	if backlog < 0 {
		return 0, fmt.Errorf("negative backlog %d", backlog)
	}
	return backlog, nil
}

func (l *Loop) readReplicas(ctx context.Context) (int32, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.callTimeout())
	defer cancel()

	replicas, err := l.target.GetReplicas(callCtx)
	if err != nil {
		return 0, err
	}
	if replicas < 0 {
		return 0, fmt.Errorf("negative replica count %d", replicas)
	}
	return replicas, nil
}

func (l *Loop) checkConvergence(ctx context.Context, obs Observation) {
	if changed := l.drift.observe(obs.CurrentReplicas, l.cfg.DriftTolerance); changed {
		l.metrics.setDrift(l.name, l.drift.drifting)
		evType := EventDriftResolved
		if l.drift.drifting {
			evType = EventDrift
		} else {
			l.logger.Info("replica count converged", zap.Int32("replicas", obs.CurrentReplicas))
		}
		l.sink.Publish(ctx, Event{
			Workload: l.name, Type: evType, From: l.drift.commanded, To: obs.CurrentReplicas,
			Backlog: obs.Backlog, At: obs.At,
		})
	}
	if l.drift.drifting {
		l.driftLog.Do(func() {
			l.logger.Warn("reported replicas disagree with last command",
				zap.Int32("commanded", l.drift.commanded),
				zap.Int32("reported", obs.CurrentReplicas),
				zap.Int("ticks", l.drift.mismatches),
			)
		})
	}
}

func (l *Loop) recordFailure(kind string, err error) {
	l.logger.Warn("tick failed", zap.String("kind", kind), zap.Error(err))
	l.metrics.failure(l.name, kind)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.TickFailures++
	l.status.ConsecutiveFailures++
	l.status.LastError = err.Error()
	switch kind {
	case FailureMetric:
		l.status.MetricFailures++
	case FailureReplicas:
		l.status.ReplicaFailures++
	}
}

// publishStatus copies the tick outcome into the readable snapshot.
// Called with tickMu held.
func (l *Loop) publishStatus(obs Observation, d Decision, cmdErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := &l.status
	st.DesiredReplicas = d.Desired
	st.CurrentReplicas = obs.CurrentReplicas
	st.LastAction = d.Action.String()
	st.LastReason = d.Reason
	st.LastObservedAt = At(obs.At)
	st.LastBacklog = obs.Backlog
	st.PendingScaleDownSince = l.state.PendingScaleDownSince
	st.LastScaleUpAt = l.state.LastScaleUpAt
	st.LastScaleDownAt = l.state.LastScaleDownAt
	st.Drifting = l.drift.drifting

	if cmdErr != nil {
		st.TickFailures++
		st.ScaleFailures++
		st.ConsecutiveFailures++
		st.LastError = cmdErr.Error()
		return
	}
	st.ConsecutiveFailures = 0
	switch d.Action {
	case ScaleUp:
		st.ScaleUps++
	case ScaleDown:
		st.ScaleDowns++
	}
}
