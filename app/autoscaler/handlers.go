package autoscaler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var errWorkloadNotFound = errors.New("workload not found")

// WorkloadView is the API representation of one workload.
type WorkloadView struct {
	autoscale.Status
	Source string `json:"source"`
	Target string `json:"target"`
}

// NewRouter returns the HTTP API of the app.
func (a *App) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/workloads", a.HandleListWorkloads).Methods(http.MethodGet)
	api.HandleFunc("/workloads/{name}", a.HandleGetWorkload).Methods(http.MethodGet)
	api.HandleFunc("/workloads/{name}/tick", a.HandleTickWorkload).Methods(http.MethodPost)
	api.HandleFunc("/reload", a.HandleReload).Methods(http.MethodPost)

	r.HandleFunc("/ws/events", a.HandleEvents).Methods(http.MethodGet)
	return r
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Ready(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) HandleListWorkloads(w http.ResponseWriter, _ *http.Request) {
	statuses := a.Supervisor.List()
	out := make([]WorkloadView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, a.view(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) HandleGetWorkload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	loop, ok := a.Supervisor.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, errWorkloadNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.view(loop.Status()))
}

// HandleTickWorkload runs one synchronous tick of a workload and returns the
// resulting status. A failed tick is reported with 502 and the status body;
// a stopped workload answers 409.
func (a *App) HandleTickWorkload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	loop, ok := a.Supervisor.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, errWorkloadNotFound)
		return
	}
	if err := loop.RunOnce(r.Context()); err != nil {
		if errors.Is(err, autoscale.ErrNotRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		a.Logger.Warn("manual tick failed", zap.String("workload", name), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"status": a.view(loop.Status()),
		})
		return
	}
	writeJSON(w, http.StatusOK, a.view(loop.Status()))
}

func (a *App) HandleReload(w http.ResponseWriter, r *http.Request) {
	res, err := a.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) view(st autoscale.Status) WorkloadView {
	v := WorkloadView{Status: st}
	if spec, ok := a.Supervisor.Spec(st.Workload); ok {
		v.Source = spec.Source.Type
		v.Target = spec.Target.Type
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
