package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"go.uber.org/zap"
)

const (
	DefaultEventStream  = "autoscaler:events"
	DefaultEventChannel = "autoscaler:events"

	// publishTimeout bounds both writes; Publish runs inside a tick.
	publishTimeout = 2 * time.Second
)

type eventWriter interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) string
	Publish(ctx context.Context, channel string, message interface{})
}

// StreamSink records scale events in a capped Redis stream and mirrors them
// on a Pub/Sub channel. Both writes are best-effort.
type StreamSink struct {
	w       eventWriter
	stream  string
	channel string
	logger  *zap.Logger
}

// NewStreamSink returns a sink writing to stream and channel. An empty channel
// disables Pub/Sub.
func NewStreamSink(w eventWriter, stream, channel string, logger *zap.Logger) *StreamSink {
	if stream == "" {
		stream = DefaultEventStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamSink{w: w, stream: stream, channel: channel, logger: logger}
}

func (s *StreamSink) Publish(ctx context.Context, ev autoscale.Event) {
	// the tick context may already be cancelled when the loop is stopping
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	s.w.XAdd(ctx, s.stream, map[string]interface{}{
		"workload": ev.Workload,
		"type":     string(ev.Type),
		"from":     strconv.Itoa(int(ev.From)),
		"to":       strconv.Itoa(int(ev.To)),
		"backlog":  strconv.FormatInt(ev.Backlog, 10),
		"at":       ev.At.UTC().Format(timeLayout),
		"reason":   ev.Reason,
		"error":    ev.Error,
	})

	if s.channel == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("Failed to encode scale event", zap.String("workload", ev.Workload), zap.Error(err))
		return
	}
	s.w.Publish(ctx, s.channel, payload)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
