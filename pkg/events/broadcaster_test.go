package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/arpitnath/rag-queue-autoscale/pkg/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var _ autoscale.EventSink = (*events.Broadcaster)(nil)

func ev(workload string, to int32) autoscale.Event {
	return autoscale.Event{Workload: workload, Type: autoscale.EventScaleUp, To: to, At: time.Now()}
}

func TestBroadcasterFiltersByWorkload(t *testing.T) {
	b := events.NewBroadcaster(4, zaptest.NewLogger(t))
	all := b.Subscribe("*")
	one := b.Subscribe("rag-worker")
	require.Equal(t, 2, b.Subscribers())

	b.Publish(context.Background(), ev("rag-worker", 3))
	b.Publish(context.Background(), ev("indexer", 2))

	require.Equal(t, "rag-worker", (<-all.C()).Workload)
	require.Equal(t, "indexer", (<-all.C()).Workload)
	require.Equal(t, int32(3), (<-one.C()).To)
	require.Empty(t, one.C())
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := events.NewBroadcaster(2, zaptest.NewLogger(t))
	s := b.Subscribe("")

	for i := range 5 {
		b.Publish(context.Background(), ev("w", int32(i)))
	}
	require.Len(t, s.C(), 2)
	require.Equal(t, uint64(3), b.Dropped())
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := events.NewBroadcaster(1, nil)
	s := b.Subscribe("")
	b.Unsubscribe(s)
	b.Unsubscribe(s)

	_, ok := <-s.C()
	require.False(t, ok)
	require.Zero(t, b.Subscribers())

	b.Publish(context.Background(), ev("w", 1))
}

func TestBroadcasterConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := events.NewBroadcaster(8, nil)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s := b.Subscribe("")
				b.Publish(context.Background(), ev("w", 1))
				b.Unsubscribe(s)
			}
		}()
	}
	wg.Wait()
	b.Close()
	require.Zero(t, b.Subscribers())
}
