package autoscale

import (
	"fmt"
	"math"
	"time"
)

// Action is what a single evaluation asks the loop to do.
type Action int

const (
	NoOp Action = iota
	ScaleUp
	ScaleDown
)

func (a Action) String() string {
	switch a {
	case ScaleUp:
		return "scale_up"
	case ScaleDown:
		return "scale_down"
	default:
		return "noop"
	}
}

// Observation is one tick's reading. It is never mutated after creation.
type Observation struct {
	At              time.Time
	Backlog         int64
	CurrentReplicas int32
}

// State is the per-workload controller state carried between ticks.
type State struct {
	LastDesiredReplicas   int32
	LastScaleUpAt         OptionalTime
	LastScaleDownAt       OptionalTime
	PendingScaleDownSince OptionalTime
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Action Action
	// Desired is the replica count the controller wants, always within
	// [MinReplicas, MaxReplicas]. For ScaleUp/ScaleDown it is the count to command.
	Desired int32
	Reason  string
}

// RawTarget is the unclamped replica count for a backlog.
func RawTarget(cfg Config, backlog int64) int32 {
	if backlog <= 0 {
		return cfg.idleReplicas()
	}
	raw := math.Ceil(float64(backlog) / cfg.Threshold)
	if raw > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(raw)
}

// ClampTarget bounds a raw target to [MinReplicas, MaxReplicas].
func ClampTarget(cfg Config, raw int32) int32 {
	return max(cfg.MinReplicas, min(cfg.MaxReplicas, raw))
}

// Decide evaluates one observation against the previous state. It performs no
// I/O and returns the state to carry into the next tick. LastScaleUpAt and
// LastScaleDownAt are left untouched; the loop records them once a command
// has been accepted (see State.Applied).
func Decide(cfg Config, obs Observation, prev State) (Decision, State) {
	next := prev
	target := ClampTarget(cfg, RawTarget(cfg, obs.Backlog))
	current := obs.CurrentReplicas

	switch {
	case target > current:
		if cfg.ScaleUpStepLimit != nil {
			// compared in int64 so a huge step cannot wrap current+step
			if step := *cfg.ScaleUpStepLimit; int64(target)-int64(current) > int64(step) {
				target = current + step
			}
			// never step below the floor, even from far under it
			target = max(cfg.MinReplicas, target)
		}
		next.PendingScaleDownSince = Unset()
		next.LastDesiredReplicas = target
		return Decision{
			Action:  ScaleUp,
			Desired: target,
			Reason:  fmt.Sprintf("backlog %d needs %d replicas, have %d", obs.Backlog, target, current),
		}, next

	case target < current:
		next.LastDesiredReplicas = target
		since, pending := prev.PendingScaleDownSince.Since(obs.At)
		if !pending {
			next.PendingScaleDownSince = At(obs.At)
			return Decision{Action: NoOp, Desired: target, Reason: "scale-down stabilization started"}, next
		}
		if since < cfg.StabilizationWindow {
			return Decision{
				Action:  NoOp,
				Desired: target,
				Reason:  fmt.Sprintf("scale-down stabilizing, %s remaining", cfg.StabilizationWindow-since),
			}, next
		}
		if elapsed, ok := prev.LastScaleDownAt.Since(obs.At); ok && elapsed < cfg.CooldownPeriod {
			return Decision{
				Action:  NoOp,
				Desired: target,
				Reason:  fmt.Sprintf("scale-down cooling down, %s remaining", cfg.CooldownPeriod-elapsed),
			}, next
		}
		next.PendingScaleDownSince = Unset()
		return Decision{
			Action:  ScaleDown,
			Desired: target,
			Reason:  fmt.Sprintf("backlog %d needs %d replicas, have %d", obs.Backlog, target, current),
		}, next

	default:
		next.PendingScaleDownSince = Unset()
		next.LastDesiredReplicas = target
		return Decision{Action: NoOp, Desired: target, Reason: "replicas match backlog"}, next
	}
}

// Applied records that a ScaleUp or ScaleDown command was accepted at t.
func (s State) Applied(action Action, t time.Time) State {
	switch action {
	case ScaleUp:
		s.LastScaleUpAt = At(t)
	case ScaleDown:
		s.LastScaleDownAt = At(t)
	}
	return s
}

// StabilizationRemaining is how long a pending scale-down still has to persist.
func (s State) StabilizationRemaining(cfg Config, now time.Time) time.Duration {
	since, ok := s.PendingScaleDownSince.Since(now)
	if !ok || since >= cfg.StabilizationWindow {
		return 0
	}
	return cfg.StabilizationWindow - since
}

// CooldownRemaining is how long until another scale-down is permitted.
func (s State) CooldownRemaining(cfg Config, now time.Time) time.Duration {
	since, ok := s.LastScaleDownAt.Since(now)
	if !ok || since >= cfg.CooldownPeriod {
		return 0
	}
	return cfg.CooldownPeriod - since
}
