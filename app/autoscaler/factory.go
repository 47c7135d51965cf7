package autoscaler

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/arpitnath/rag-queue-autoscale/pkg/redis"
	"github.com/arpitnath/rag-queue-autoscale/pkg/source"
	"github.com/arpitnath/rag-queue-autoscale/pkg/target"
	"github.com/arpitnath/rag-queue-autoscale/pkg/temporal"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
)

// Factory turns workload specs into sources and targets. Backend connections
// are dialed on first use and shared by every workload.
type Factory struct {
	Logger     *zap.Logger
	HTTPClient *http.Client

	DialRedis    func(ctx context.Context) (*redis.Client, error)
	DialTemporal func(ctx context.Context) (client.Client, error)
	DialKube     func() (kubernetes.Interface, error)

	mu       sync.Mutex
	redis    *redis.Client
	temporal client.Client
	kube     kubernetes.Interface
}

// NewFactory returns a factory dialing the real backends from env.
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{
		Logger:     logger,
		HTTPClient: &http.Client{},
		DialRedis: func(ctx context.Context) (*redis.Client, error) {
			return redis.NewClient(ctx, logger)
		},
		DialTemporal: func(ctx context.Context) (client.Client, error) {
			return temporal.Connect(ctx, logger)
		},
		DialKube: func() (kubernetes.Interface, error) {
			return target.NewClientsetFromEnv(logger)
		},
	}
}

// Source builds the metric source described by spec.
func (f *Factory) Source(ctx context.Context, spec SourceSpec) (autoscale.MetricSource, error) {
	switch spec.Type {
	case SourceRedisList:
		rc, err := f.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return source.NewRedisList(rc, spec.Queue), nil
	case SourceRedisStream:
		rc, err := f.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return source.NewRedisStream(rc, spec.Stream, spec.Group), nil
	case SourcePrometheus:
		return source.NewPrometheus(spec.Address, spec.Query, f.Logger)
	case SourceTemporal:
		tc, err := f.Temporal(ctx)
		if err != nil {
			return nil, err
		}
		return source.NewTemporalQueue(tc, spec.TaskQueue), nil
	case SourceHTTP:
		return source.NewHTTP(f.HTTPClient, spec.URL), nil
	case SourceStatic:
		return source.NewMemory(spec.Backlog), nil
	}
	return nil, fmt.Errorf("%w: unknown source type %q", autoscale.ErrInvalidConfiguration, spec.Type)
}

// Target builds the scale target described by spec.
func (f *Factory) Target(ctx context.Context, spec TargetSpec) (autoscale.ScaleTarget, error) {
	switch spec.Type {
	case TargetKubernetes:
		kind, err := target.ParseKind(spec.Kind)
		if err != nil {
			return nil, err
		}
		cs, err := f.Kube()
		if err != nil {
			return nil, err
		}
		ns := spec.Namespace
		if ns == "" {
			ns = "default"
		}
		k, err := target.NewKubernetes(cs, ns, spec.Name, kind, f.Logger)
		if err != nil {
			return nil, err
		}
		if hpas, err := k.CompetingAutoscalers(ctx); err != nil {
			f.Logger.Debug("hpa lookup failed", zap.String("target", k.String()), zap.Error(err))
		} else if len(hpas) > 0 {
			f.Logger.Warn("another autoscaler manages this workload; replica writes will conflict",
				zap.String("target", k.String()), zap.Strings("hpas", hpas))
		}
		return k, nil
	case TargetLog:
		return target.NewLog(spec.Replicas, f.Logger), nil
	case TargetMemory:
		return target.NewMemory(spec.Replicas, true), nil
	}
	return nil, fmt.Errorf("%w: unknown target type %q", autoscale.ErrInvalidConfiguration, spec.Type)
}

// Redis returns the shared Redis client, dialing it on first use.
func (f *Factory) Redis(ctx context.Context) (*redis.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redis != nil {
		return f.redis, nil
	}
	if f.DialRedis == nil {
		return nil, fmt.Errorf("%w: no redis connection configured", autoscale.ErrInvalidConfiguration)
	}
	rc, err := f.DialRedis(ctx)
	if err != nil {
		return nil, err
	}
	f.redis = rc
	return rc, nil
}

// Temporal returns the shared Temporal client, dialing it on first use.
func (f *Factory) Temporal(ctx context.Context) (client.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.temporal != nil {
		return f.temporal, nil
	}
	if f.DialTemporal == nil {
		return nil, fmt.Errorf("%w: no temporal connection configured", autoscale.ErrInvalidConfiguration)
	}
	tc, err := f.DialTemporal(ctx)
	if err != nil {
		return nil, err
	}
	f.temporal = tc
	return tc, nil
}

// Kube returns the shared clientset, building it on first use.
func (f *Factory) Kube() (kubernetes.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kube != nil {
		return f.kube, nil
	}
	if f.DialKube == nil {
		return nil, fmt.Errorf("%w: no kubernetes client configured", autoscale.ErrInvalidConfiguration)
	}
	cs, err := f.DialKube()
	if err != nil {
		return nil, err
	}
	f.kube = cs
	return cs, nil
}

// Health pings the backends that have been dialed so far.
func (f *Factory) Health(ctx context.Context) error {
	f.mu.Lock()
	rc, tc := f.redis, f.temporal
	f.mu.Unlock()

	if rc != nil {
		if err := rc.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if tc != nil {
		if _, err := tc.CheckHealth(ctx, nil); err != nil {
			return fmt.Errorf("temporal: %w", err)
		}
	}
	return nil
}

// Close releases every backend connection.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redis != nil {
		_ = f.redis.Close()
		f.redis = nil
	}
	if f.temporal != nil {
		f.temporal.Close()
		f.temporal = nil
	}
}
