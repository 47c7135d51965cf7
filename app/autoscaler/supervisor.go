package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// ErrWorkloadExists is returned by Add for a name that is already scaled.
var ErrWorkloadExists = errors.New("workload already exists")

// Builder creates the source and target of a workload.
type Builder interface {
	Source(ctx context.Context, spec SourceSpec) (autoscale.MetricSource, error)
	Target(ctx context.Context, spec TargetSpec) (autoscale.ScaleTarget, error)
}

type entry struct {
	spec WorkloadSpec
	loop *autoscale.Loop
}

// Supervisor owns one control loop per workload, keyed by name. Loops never
// share state; the registry is the only thing the supervisor coordinates.
type Supervisor struct {
	Logger  *zap.Logger
	Metrics *autoscale.Metrics
	Sink    autoscale.EventSink

	builder Builder
	// loops run under ctx, not under the context of the call that added them
	ctx     context.Context
	loops   *xsync.Map[string, *entry]
	pool    pond.Pool
	// mu serializes changes to the registry
	mu sync.Mutex
}

// NewSupervisor returns an empty supervisor. Loops it starts stop when ctx ends.
func NewSupervisor(ctx context.Context, builder Builder, logger *zap.Logger, metrics *autoscale.Metrics, sink autoscale.EventSink) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		Logger:  logger,
		Metrics: metrics,
		Sink:    sink,
		builder: builder,
		ctx:     ctx,
		loops:   xsync.NewMap[string, *entry](),
		pool:    pond.NewPool(8, pond.WithQueueSize(64)),
	}
}

// Add builds and starts a loop for spec.
func (s *Supervisor) Add(ctx context.Context, spec WorkloadSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loops.Load(spec.Name); ok {
		return fmt.Errorf("%w: %s", ErrWorkloadExists, spec.Name)
	}
	return s.start(ctx, spec)
}

// Remove stops and forgets a workload. It reports whether it existed.
func (s *Supervisor) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop(name)
}

// Get returns the loop of a workload.
func (s *Supervisor) Get(name string) (*autoscale.Loop, bool) {
	e, ok := s.loops.Load(name)
	if !ok {
		return nil, false
	}
	return e.loop, true
}

// Spec returns the spec a workload is running with.
func (s *Supervisor) Spec(name string) (WorkloadSpec, bool) {
	e, ok := s.loops.Load(name)
	if !ok {
		return WorkloadSpec{}, false
	}
	return e.spec, true
}

// List returns the status of every workload, sorted by name.
func (s *Supervisor) List() []autoscale.Status {
	out := make([]autoscale.Status, 0, s.loops.Size())
	s.loops.Range(func(_ string, e *entry) bool {
		out = append(out, e.loop.Status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Workload < out[j].Workload })
	return out
}

// Len returns the number of registered workloads.
func (s *Supervisor) Len() int { return s.loops.Size() }

// ReconcileResult lists what a Reconcile call changed.
type ReconcileResult struct {
	Started   []string `json:"started"`
	Restarted []string `json:"restarted"`
	Stopped   []string `json:"stopped"`
	Failed    []string `json:"failed"`
}

// Changed reports whether anything was started, restarted or stopped.
func (r ReconcileResult) Changed() bool {
	return len(r.Started)+len(r.Restarted)+len(r.Stopped) > 0
}

// Reconcile makes the registry match specs: new workloads are started,
// workloads whose spec changed are restarted cold, missing ones are stopped.
// Unchanged workloads keep running untouched. Failures of one workload do not
// prevent the others from being applied.
func (s *Supervisor) Reconcile(ctx context.Context, specs []WorkloadSpec) (ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ReconcileResult
	desired := make(map[string]WorkloadSpec, len(specs))
	for _, spec := range specs {
		desired[spec.Name] = spec
	}

	var toStop, toStart []string
	s.loops.Range(func(name string, e *entry) bool {
		spec, ok := desired[name]
		switch {
		case !ok:
			toStop = append(toStop, name)
			res.Stopped = append(res.Stopped, name)
		case !reflect.DeepEqual(spec, e.spec):
			toStop = append(toStop, name)
			res.Restarted = append(res.Restarted, name)
		}
		return true
	})
	for name := range desired {
		if _, ok := s.loops.Load(name); !ok {
			res.Started = append(res.Started, name)
		}
	}
	toStart = append(toStart, res.Started...)
	toStart = append(toStart, res.Restarted...)

	s.fanOut(toStop, func(name string) error {
		s.stop(name)
		return nil
	})

	errs := s.fanOut(toStart, func(name string) error {
		return s.start(ctx, desired[name])
	})
	for name := range errs {
		res.Failed = append(res.Failed, name)
	}
	res.Started = without(res.Started, errs)
	res.Restarted = without(res.Restarted, errs)

	sort.Strings(res.Started)
	sort.Strings(res.Restarted)
	sort.Strings(res.Stopped)
	sort.Strings(res.Failed)

	if len(errs) > 0 {
		joined := make([]error, 0, len(errs))
		for _, name := range res.Failed {
			joined = append(joined, errs[name])
		}
		return res, errors.Join(joined...)
	}
	return res, nil
}

// StopAll stops every loop and empties the registry.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	s.loops.Range(func(name string, _ *entry) bool {
		names = append(names, name)
		return true
	})
	s.fanOut(names, func(name string) error {
		s.stop(name)
		return nil
	})
}

// Close stops every loop and releases the worker pool.
func (s *Supervisor) Close() {
	s.StopAll()
	s.pool.StopAndWait()
}

// fanOut runs fn for every name on the pool and waits. Called with mu held.
func (s *Supervisor) fanOut(names []string, fn func(name string) error) map[string]error {
	if len(names) == 0 {
		return nil
	}
	var (
		errMu sync.Mutex
		errs  = make(map[string]error)
	)
	group := s.pool.NewGroup()
	for _, name := range names {
		group.Submit(func() {
			if err := fn(name); err != nil {
				errMu.Lock()
				errs[name] = err
				errMu.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		s.Logger.Warn("supervisor task group encountered error", zap.Error(err))
	}
	return errs
}

// start builds and starts a loop. Called with mu held.
func (s *Supervisor) start(ctx context.Context, spec WorkloadSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	src, err := s.builder.Source(ctx, spec.Source)
	if err != nil {
		return fmt.Errorf("workload %s: source: %w", spec.Name, err)
	}
	tgt, err := s.builder.Target(ctx, spec.Target)
	if err != nil {
		return fmt.Errorf("workload %s: target: %w", spec.Name, err)
	}

	opts := []autoscale.Option{
		autoscale.WithLogger(s.Logger),
		autoscale.WithMetrics(s.Metrics),
	}
	if s.Sink != nil {
		opts = append(opts, autoscale.WithEventSink(s.Sink))
	}
	loop, err := autoscale.NewLoop(spec.Name, spec.Config(), src, tgt, opts...)
	if err != nil {
		return err
	}
	if err := loop.Start(s.ctx); err != nil {
		return err
	}
	s.loops.Store(spec.Name, &entry{spec: spec, loop: loop})
	s.Logger.Info("workload started",
		zap.String("workload", spec.Name),
		zap.String("source", spec.Source.Type),
		zap.String("target", spec.Target.Type))
	return nil
}

// stop stops and removes a loop. Called with mu held.
func (s *Supervisor) stop(name string) bool {
	e, ok := s.loops.LoadAndDelete(name)
	if !ok {
		return false
	}
	e.loop.Stop()
	s.Metrics.Forget(name)
	s.Logger.Info("workload stopped", zap.String("workload", name))
	return true
}

func without(names []string, drop map[string]error) []string {
	if len(drop) == 0 {
		return names
	}
	out := names[:0]
	for _, name := range names {
		if _, ok := drop[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
