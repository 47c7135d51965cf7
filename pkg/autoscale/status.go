package autoscale

import "time"

// Status is a point-in-time view of one loop, safe to read from any goroutine.
type Status struct {
	Workload string `json:"workload"`
	Running  bool   `json:"running"`

	DesiredReplicas int32  `json:"desiredReplicas"`
	CurrentReplicas int32  `json:"currentReplicas"`
	LastAction      string `json:"lastAction"`
	LastReason      string `json:"lastReason,omitempty"`

	LastObservedAt OptionalTime `json:"lastObservedAt"`
	LastBacklog    int64        `json:"lastBacklog"`

	ScaleUps            uint64 `json:"scaleUps"`
	ScaleDowns          uint64 `json:"scaleDowns"`
	TickFailures        uint64 `json:"tickFailures"`
	MetricFailures      uint64 `json:"metricFailures"`
	ReplicaFailures     uint64 `json:"replicaFailures"`
	ScaleFailures       uint64 `json:"scaleFailures"`
	ConsecutiveFailures uint64 `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`

	PendingScaleDownSince  OptionalTime  `json:"pendingScaleDownSince"`
	LastScaleUpAt          OptionalTime  `json:"lastScaleUpAt"`
	LastScaleDownAt        OptionalTime  `json:"lastScaleDownAt"`
	StabilizationRemaining time.Duration `json:"-"`
	CooldownRemaining      time.Duration `json:"-"`

	StabilizationRemainingSeconds float64 `json:"stabilizationRemainingSeconds"`
	CooldownRemainingSeconds      float64 `json:"cooldownRemainingSeconds"`

	Drifting bool `json:"drifting"`
}
