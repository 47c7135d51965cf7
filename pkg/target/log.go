package target

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Log only records the commands it receives. Useful for a dry run next to a
// real autoscaler: the reported count is whatever was last commanded.
type Log struct {
	logger   *zap.Logger
	replicas atomic.Int32
}

func NewLog(initial int32, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{logger: logger.With(zap.String("component", "log_target"))}
	l.replicas.Store(initial)
	return l
}

func (l *Log) GetReplicas(context.Context) (int32, error) {
	return l.replicas.Load(), nil
}

func (l *Log) SetReplicas(_ context.Context, n int32) error {
	from := l.replicas.Swap(n)
	l.logger.Info("dry-run scale", zap.Int32("from", from), zap.Int32("to", n))
	return nil
}

func (l *Log) String() string { return "log" }
