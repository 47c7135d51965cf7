package autoscaler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/arpitnath/rag-queue-autoscale/pkg/events"
	"github.com/arpitnath/rag-queue-autoscale/pkg/logging"
	"github.com/arpitnath/rag-queue-autoscale/pkg/redis"
	"github.com/arpitnath/rag-queue-autoscale/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App runs one control loop per configured workload and serves their status.
// When a workloads file is configured it is re-read every Cron tick and the
// supervisor is reconciled against it.
type App struct {
	// Cron triggers workload reloads according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	// WorkloadsFile is the YAML file workloads are read from. Empty means a
	// single workload built from env.
	WorkloadsFile string

	Factory     *Factory
	Supervisor  *Supervisor
	Broadcaster *events.Broadcaster
	Metrics     *autoscale.Metrics
	Registry    *prometheus.Registry

	// Logger is used to log messages, errors, and events during the application's lifecycle and operations.
	Logger *zap.Logger

	// Server is the HTTP server that serves the API.
	Server *http.Server
}

// Initialize builds the App from env. Workloads are not started until
// ReconcileOnce or the first cron tick.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app := &App{
		CronSpec:      utils.Env("RELOAD_CRON", "*/30 * * * * *"),
		WorkloadsFile: utils.Env("WORKLOADS_FILE", ""),
		Factory:       NewFactory(logger),
		Broadcaster:   events.NewBroadcaster(utils.EnvInt("EVENTS_BUFFER", 64), logger),
		Metrics:       autoscale.NewMetrics(registry),
		Registry:      registry,
		Logger:        logger,
	}

	sinks := autoscale.MultiSink{app.Broadcaster}
	if utils.EnvBool("EVENTS_REDIS", false) {
		rc, err := app.Factory.Redis(ctx)
		if err != nil {
			return nil, err
		}
		stream := utils.Env("EVENTS_STREAM", redis.DefaultEventStream)
		channel := utils.Env("EVENTS_CHANNEL", redis.DefaultEventChannel)
		sinks = append(sinks, redis.NewStreamSink(rc, stream, channel, logger))
		logger.Info("scale events mirrored to redis", zap.String("stream", stream), zap.String("channel", channel))
	}

	app.Supervisor = NewSupervisor(ctx, app.Factory, logger, app.Metrics, sinks)

	if err := app.SetupScheduler(ctx, cron.PrintfLogger(zap.NewStdLog(logger)), app.CronSpec); err != nil {
		return nil, err
	}

	return app, nil
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3003")

	a.Server = &http.Server{
		Addr:              addr,
		Handler:           WithCORS(a.NewRouter()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.Logger.Info("Starting server", zap.String("addr", addr))
}

// SetupScheduler sets up the cron scheduler. Nothing is scheduled when
// workloads come from env, since env cannot change under a running process.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger, cronSpec string) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))
	if a.WorkloadsFile == "" {
		return nil
	}

	_, err := a.Cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if _, err := a.Reload(rctx); err != nil {
			a.Logger.Warn("[autoscaler] reload error", zap.Error(err))
		}
	})
	return err
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[autoscaler] Cron started", zap.String("cronSpec", a.CronSpec), zap.String("workloadsFile", a.WorkloadsFile))
}

// StopCron stops the cron scheduler.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// LoadSpecs returns the desired workloads from the file or from env.
func (a *App) LoadSpecs() ([]WorkloadSpec, error) {
	if a.WorkloadsFile != "" {
		return LoadWorkloads(a.WorkloadsFile)
	}
	spec, err := WorkloadFromEnv()
	if err != nil {
		return nil, err
	}
	return []WorkloadSpec{spec}, nil
}

// Reload reads the desired workloads and reconciles the supervisor. A file
// that fails to parse leaves the running loops untouched.
func (a *App) Reload(ctx context.Context) (ReconcileResult, error) {
	specs, err := a.LoadSpecs()
	if err != nil {
		return ReconcileResult{}, err
	}
	res, err := a.Supervisor.Reconcile(ctx, specs)
	if res.Changed() || len(res.Failed) > 0 {
		a.Logger.Info("[autoscaler] workloads reconciled",
			zap.Strings("started", res.Started),
			zap.Strings("restarted", res.Restarted),
			zap.Strings("stopped", res.Stopped),
			zap.Strings("failed", res.Failed))
	}
	return res, err
}

// ReconcileOnce is a convenience wrapper for Reload.
func (a *App) ReconcileOnce(ctx context.Context) {
	if _, err := a.Reload(ctx); err != nil {
		a.Logger.Error("[autoscaler] initial reconcile failed", zap.Error(err))
	}
}

// Ready reports whether every workload loop is running and the dialed
// backends answer.
func (a *App) Ready(ctx context.Context) error {
	if a.Supervisor.Len() == 0 {
		return errors.New("no workloads running")
	}
	for _, st := range a.Supervisor.List() {
		if !st.Running {
			return errors.New("workload " + st.Workload + " is not running")
		}
	}
	return a.Factory.Health(ctx)
}

// Start serves HTTP until ctx is done, then stops every loop.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("[autoscaler] server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	a.Logger.Info("[autoscaler] shutting down…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.StopCron()
	a.Supervisor.Close()
	a.Broadcaster.Close()
	a.Factory.Close()
	a.Logger.Info("さようなら!")
}
