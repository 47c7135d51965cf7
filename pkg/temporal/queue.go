package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
)

// TaskQueueDescriber is the part of client.Client used to read queue statistics.
type TaskQueueDescriber interface {
	DescribeTaskQueueEnhanced(ctx context.Context, options client.DescribeTaskQueueEnhancedOptions) (client.TaskQueueDescription, error)
}

// QueueStats summarizes the backlog of one task queue across build ids.
type QueueStats struct {
	PendingWorkflowTasks int64
	PendingActivityTasks int64
	PollerCount          int
	BacklogAgeSeconds    float64
	// Reported is false when the server returned no statistics at all.
	Reported bool
}

// Backlog is the total of pending workflow and activity tasks.
func (s QueueStats) Backlog() int64 {
	return s.PendingWorkflowTasks + s.PendingActivityTasks
}

// GetQueueStats fetches queue statistics using the DescribeTaskQueueEnhanced API.
func GetQueueStats(ctx context.Context, d TaskQueueDescriber, queueName string) (QueueStats, error) {
	desc, err := d.DescribeTaskQueueEnhanced(ctx, client.DescribeTaskQueueEnhancedOptions{
		TaskQueue: queueName,
		TaskQueueTypes: []client.TaskQueueType{
			client.TaskQueueTypeWorkflow,
			client.TaskQueueTypeActivity,
		},
		ReportPollers: true,
		ReportStats:   true,
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("describe task queue %s: %w", queueName, err)
	}

	var s QueueStats
	//nolint:staticcheck // VersionsInfo still carries per-type stats on the servers we target
	for _, versionInfo := range desc.VersionsInfo {
		if wfInfo, ok := versionInfo.TypesInfo[client.TaskQueueTypeWorkflow]; ok {
			s.PollerCount += len(wfInfo.Pollers)
			if wfInfo.Stats != nil {
				s.Reported = true
				s.PendingWorkflowTasks += wfInfo.Stats.ApproximateBacklogCount
				s.BacklogAgeSeconds = max(s.BacklogAgeSeconds, wfInfo.Stats.ApproximateBacklogAge.Seconds())
			}
		}
		if actInfo, ok := versionInfo.TypesInfo[client.TaskQueueTypeActivity]; ok {
			s.PollerCount += len(actInfo.Pollers)
			if actInfo.Stats != nil {
				s.Reported = true
				s.PendingActivityTasks += actInfo.Stats.ApproximateBacklogCount
				s.BacklogAgeSeconds = max(s.BacklogAgeSeconds, actInfo.Stats.ApproximateBacklogAge.Seconds())
			}
		}
	}
	return s, nil
}
