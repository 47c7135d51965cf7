package source

import (
	"context"
	"fmt"
)

// DefaultQueue is the job list the RAG workers pop from.
const DefaultQueue = "rag:jobs"

// ListLengthReader reads the length of a Redis list.
type ListLengthReader interface {
	LLen(ctx context.Context, key string) (int64, error)
}

// StreamLengthReader reads the size of a Redis stream and the unfinished
// entries of one of its consumer groups.
type StreamLengthReader interface {
	XLen(ctx context.Context, stream string) (int64, error)
	StreamLag(ctx context.Context, stream, group string) (int64, error)
}

// RedisList reports the number of jobs waiting in a Redis list (LLEN).
type RedisList struct {
	r   ListLengthReader
	key string
}

func NewRedisList(r ListLengthReader, key string) *RedisList {
	if key == "" {
		key = DefaultQueue
	}
	return &RedisList{r: r, key: key}
}

func (s *RedisList) ReadBacklog(ctx context.Context) (int64, error) {
	n, err := s.r.LLen(ctx, s.key)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("llen %s: negative length %d", s.key, n)
	}
	return n, nil
}

func (s *RedisList) String() string { return "redis-list:" + s.key }

// RedisStream reports a stream backlog. With a group it is the group's
// undelivered plus unacknowledged entries, otherwise the stream length.
type RedisStream struct {
	r      StreamLengthReader
	stream string
	group  string
}

func NewRedisStream(r StreamLengthReader, stream, group string) *RedisStream {
	return &RedisStream{r: r, stream: stream, group: group}
}

func (s *RedisStream) ReadBacklog(ctx context.Context) (int64, error) {
	if s.group == "" {
		return s.r.XLen(ctx, s.stream)
	}
	return s.r.StreamLag(ctx, s.stream, s.group)
}

func (s *RedisStream) String() string {
	if s.group == "" {
		return "redis-stream:" + s.stream
	}
	return "redis-stream:" + s.stream + "/" + s.group
}
