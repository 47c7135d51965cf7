package autoscale

import "context"

// MetricSource reads the current backlog of the scaled workload.
// Implementations must be safe to call repeatedly and must return an error
// instead of a stale or zero value when the backend cannot be read.
type MetricSource interface {
	ReadBacklog(ctx context.Context) (int64, error)
}

// ScaleTarget applies replica counts to a workload.
// SetReplicas is a request: the workload may converge later, which the
// controller only learns about through a subsequent GetReplicas.
type ScaleTarget interface {
	GetReplicas(ctx context.Context) (int32, error)
	SetReplicas(ctx context.Context, replicas int32) error
}
