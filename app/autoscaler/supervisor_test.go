package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// staticSpec scales a memory target from a fixed backlog, ticking quickly.
func staticSpec(name string, backlog int64) WorkloadSpec {
	spec := DefaultWorkloadSpec()
	spec.Name = name
	spec.Source = SourceSpec{Type: SourceStatic, Backlog: backlog}
	spec.Target = TargetSpec{Type: TargetMemory, Replicas: 1}
	spec.Scaling.PollingInterval = 20 * time.Millisecond
	return spec
}

func newTestSupervisor(t *testing.T) (*Supervisor, *prometheus.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f, _ := newTestFactory(t, logger)
	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisor(ctx, f, logger, autoscale.NewMetrics(reg), nil)
	t.Cleanup(func() {
		s.Close()
		cancel()
	})
	return s, reg
}

func waitDesired(t *testing.T, s *Supervisor, name string, want int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		loop, ok := s.Get(name)
		return ok && loop.Status().CurrentReplicas == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorAddAndRemove(t *testing.T) {
	s, reg := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, staticSpec("rag-worker", 50)))
	require.ErrorIs(t, s.Add(ctx, staticSpec("rag-worker", 50)), ErrWorkloadExists)
	waitDesired(t, s, "rag-worker", 10)

	loop, ok := s.Get("rag-worker")
	require.True(t, ok)
	require.True(t, loop.Running())
	n, err := testutil.GatherAndCount(reg, "autoscaler_desired_replicas")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.True(t, s.Remove("rag-worker"))
	require.False(t, s.Remove("rag-worker"))
	require.False(t, loop.Running())
	_, ok = s.Get("rag-worker")
	require.False(t, ok)
	n, err = testutil.GatherAndCount(reg, "autoscaler_desired_replicas")
	require.NoError(t, err)
	require.Zero(t, n, "series of removed workloads are dropped")
}

func TestSupervisorAddRejectsInvalidSpec(t *testing.T) {
	s, _ := newTestSupervisor(t)

	bad := staticSpec("bad", 0)
	bad.Scaling.MaxReplicas = 0
	require.ErrorIs(t, s.Add(context.Background(), bad), autoscale.ErrInvalidConfiguration)
	require.Zero(t, s.Len())
}

func TestSupervisorList(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, s.Add(ctx, staticSpec(name, 0)))
	}
	list := s.List()
	require.Len(t, list, 3)
	require.Equal(t, "a", list[0].Workload)
	require.Equal(t, "b", list[1].Workload)
	require.Equal(t, "c", list[2].Workload)
}

func TestSupervisorReconcile(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	res, err := s.Reconcile(ctx, []WorkloadSpec{staticSpec("a", 50), staticSpec("b", 0)})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, res.Started)
	require.True(t, res.Changed())
	waitDesired(t, s, "a", 10)

	loopB, _ := s.Get("b")

	// unchanged specs are left alone
	res, err = s.Reconcile(ctx, []WorkloadSpec{staticSpec("a", 50), staticSpec("b", 0)})
	require.NoError(t, err)
	require.False(t, res.Changed())
	same, _ := s.Get("b")
	require.Same(t, loopB, same)

	changed := staticSpec("a", 50)
	changed.Scaling.MaxReplicas = 4
	res, err = s.Reconcile(ctx, []WorkloadSpec{changed, staticSpec("c", 0)})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, res.Started)
	require.Equal(t, []string{"a"}, res.Restarted)
	require.Equal(t, []string{"b"}, res.Stopped)
	require.False(t, loopB.Running())

	spec, ok := s.Spec("a")
	require.True(t, ok)
	require.Equal(t, int32(4), spec.Scaling.MaxReplicas)
	// restarted loops talk to a fresh target and obey the new bounds
	waitDesired(t, s, "a", 4)
}

func TestSupervisorReconcileReportsFailures(t *testing.T) {
	s, _ := newTestSupervisor(t)

	broken := staticSpec("broken", 0)
	broken.Source = SourceSpec{Type: SourceTemporal, TaskQueue: "rag"}

	res, err := s.Reconcile(context.Background(), []WorkloadSpec{staticSpec("ok", 0), broken})
	require.Error(t, err)
	require.Equal(t, []string{"broken"}, res.Failed)
	require.Equal(t, []string{"ok"}, res.Started)
	_, ok := s.Get("ok")
	require.True(t, ok, "one failing workload does not block the others")
	_, ok = s.Get("broken")
	require.False(t, ok)
}

func TestSupervisorStopAll(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, staticSpec("a", 0)))
	require.NoError(t, s.Add(ctx, staticSpec("b", 0)))
	loopA, _ := s.Get("a")

	s.StopAll()
	require.Zero(t, s.Len())
	require.False(t, loopA.Running())
}
