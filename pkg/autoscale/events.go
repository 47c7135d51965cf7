package autoscale

import (
	"context"
	"time"
)

type EventType string

const (
	EventScaleUp       EventType = "scale_up"
	EventScaleDown     EventType = "scale_down"
	EventScaleFailed   EventType = "scale_failed"
	EventDrift         EventType = "drift"
	EventDriftResolved EventType = "drift_resolved"
	EventStopped       EventType = "stopped"
)

// Event describes a scaling action or a notable transition of one loop.
type Event struct {
	Workload string    `json:"workload"`
	Type     EventType `json:"type"`
	From     int32     `json:"from"`
	To       int32     `json:"to"`
	Backlog  int64     `json:"backlog"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// EventSink receives loop events. Publish is best-effort and must not block
// for long: it runs inside the tick.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}
