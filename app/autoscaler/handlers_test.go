package autoscaler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/arpitnath/rag-queue-autoscale/pkg/events"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f, _ := newTestFactory(t, logger)
	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		Factory:     f,
		Broadcaster: events.NewBroadcaster(16, logger),
		Metrics:     autoscale.NewMetrics(reg),
		Registry:    reg,
		Logger:      logger,
	}
	app.Supervisor = NewSupervisor(ctx, f, logger, app.Metrics, app.Broadcaster)

	srv := httptest.NewServer(WithCORS(app.NewRouter()))
	t.Cleanup(func() {
		srv.Close()
		app.Supervisor.Close()
		app.Broadcaster.Close()
		cancel()
	})
	return app, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndReadiness(t *testing.T) {
	app, srv := newTestApp(t)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))

	var body map[string]string
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/readyz", &body))
	require.Contains(t, body["error"], "no workloads")

	require.NoError(t, app.Supervisor.Add(context.Background(), staticSpec("rag-worker", 0)))
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/readyz", nil))
}

func TestWorkloadEndpoints(t *testing.T) {
	app, srv := newTestApp(t)
	require.NoError(t, app.Supervisor.Add(context.Background(), staticSpec("rag-worker", 50)))
	waitDesired(t, app.Supervisor, "rag-worker", 10)

	var list []WorkloadView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/workloads", &list))
	require.Len(t, list, 1)
	require.Equal(t, "rag-worker", list[0].Workload)
	require.Equal(t, SourceStatic, list[0].Source)
	require.Equal(t, TargetMemory, list[0].Target)
	require.True(t, list[0].Running)

	var one WorkloadView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/workloads/rag-worker", &one))
	require.Equal(t, int32(10), one.DesiredReplicas)
	require.Equal(t, int64(50), one.LastBacklog)
	require.Equal(t, uint64(1), one.ScaleUps)

	var missing map[string]string
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/workloads/nope", &missing))
	require.Equal(t, "workload not found", missing["error"])
}

func TestTickEndpoint(t *testing.T) {
	app, srv := newTestApp(t)
	require.NoError(t, app.Supervisor.Add(context.Background(), staticSpec("rag-worker", 0)))

	resp, err := http.Post(srv.URL+"/api/workloads/rag-worker/tick", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view WorkloadView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.Equal(t, "rag-worker", view.Workload)

	resp2, err := http.Post(srv.URL+"/api/workloads/nope/tick", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestTickEndpointStoppedWorkload(t *testing.T) {
	app, srv := newTestApp(t)
	require.NoError(t, app.Supervisor.Add(context.Background(), staticSpec("rag-worker", 50)))
	loop, ok := app.Supervisor.Get("rag-worker")
	require.True(t, ok)
	loop.Stop()

	resp, err := http.Post(srv.URL+"/api/workloads/rag-worker/tick", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, autoscale.ErrNotRunning.Error(), body["error"])
}

func TestReloadEndpoint(t *testing.T) {
	app, srv := newTestApp(t)
	path := filepath.Join(t.TempDir(), "workloads.yaml")
	app.WorkloadsFile = path

	doc := `
workloads:
  - name: rag-worker
    source: {type: static, backlog: 5}
    target: {type: memory, replicas: 1}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	resp, err := http.Post(srv.URL+"/api/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res ReconcileResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.Equal(t, []string{"rag-worker"}, res.Started)
	require.Equal(t, 1, app.Supervisor.Len())

	require.NoError(t, os.WriteFile(path, []byte("workloads: [ {name: "), 0o600))
	resp2, err := http.Post(srv.URL+"/api/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp2.StatusCode)
	require.Equal(t, 1, app.Supervisor.Len(), "a broken file leaves running workloads alone")
}

func TestMetricsEndpoint(t *testing.T) {
	app, srv := newTestApp(t)
	require.NoError(t, app.Supervisor.Add(context.Background(), staticSpec("rag-worker", 50)))
	waitDesired(t, app.Supervisor, "rag-worker", 10)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `autoscaler_desired_replicas{workload="rag-worker"} 10`)
	require.Contains(t, buf.String(), `autoscaler_scale_actions_total{direction="scale_up",workload="rag-worker"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	_, srv := newTestApp(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/workloads", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://dashboard.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestEventsWebSocket(t *testing.T) {
	app, srv := newTestApp(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?workload=*"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "hello", msg.Type)

	// the subscription exists once hello has been sent
	require.NoError(t, app.Supervisor.Add(context.Background(), staticSpec("rag-worker", 50)))

	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "event", msg.Type)
	var ev autoscale.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	require.Equal(t, "rag-worker", ev.Workload)
	require.Equal(t, autoscale.EventScaleUp, ev.Type)
	require.Equal(t, int32(1), ev.From)
	require.Equal(t, int32(10), ev.To)
}

func TestEventsWebSocketUnknownWorkload(t *testing.T) {
	_, srv := newTestApp(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?workload=nope"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
