package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/arpitnath/rag-queue-autoscale/pkg/temporal"
	"go.temporal.io/api/serviceerror"
)

// TemporalQueue reports the approximate backlog of a Temporal task queue,
// workflow and activity tasks combined.
type TemporalQueue struct {
	d     temporal.TaskQueueDescriber
	queue string
}

func NewTemporalQueue(d temporal.TaskQueueDescriber, queue string) *TemporalQueue {
	return &TemporalQueue{d: d, queue: queue}
}

// ReadBacklog fails with ErrInvalidConfiguration when the namespace does not
// exist or the server rejects the request, since retrying cannot fix either.
func (s *TemporalQueue) ReadBacklog(ctx context.Context) (int64, error) {
	stats, err := temporal.GetQueueStats(ctx, s.d, s.queue)
	if err != nil {
		var nsNotFound *serviceerror.NamespaceNotFound
		var invalid *serviceerror.InvalidArgument
		if errors.As(err, &nsNotFound) || errors.As(err, &invalid) {
			return 0, fmt.Errorf("%w: task queue %s: %w", autoscale.ErrInvalidConfiguration, s.queue, err)
		}
		return 0, err
	}
	if !stats.Reported {
		return 0, fmt.Errorf("task queue %s: server reported no backlog statistics", s.queue)
	}
	return stats.Backlog(), nil
}

func (s *TemporalQueue) String() string { return "temporal:" + s.queue }
