// coreserver is the process entrypoint for the federated provider core: it
// loads configuration, wires the agent registry, health monitor, progress
// tracker, websocket broadcaster, job queue, and the download and
// health-check workers, and starts the background loops. It builds no
// agents, federated search or tiered indexer of its own.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/coreconfig"
	"github.com/Futs/kuroibara/core/pkg/health"
	"github.com/Futs/kuroibara/core/pkg/jobs"
	"github.com/Futs/kuroibara/core/pkg/progress"
	"github.com/Futs/kuroibara/core/pkg/registry"
	"github.com/Futs/kuroibara/core/pkg/worker"
	"github.com/Futs/kuroibara/core/pkg/wsbroadcast"
)

func main() {
	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("coreserver exited with error", zap.Error(err))
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("CORE_ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, logger *zap.Logger) error {
	cfgMgr := coreconfig.NewManager(
		envOrDefault("CORE_PROVIDERS_DEFAULT", "configs/providers_default.json"),
		envOrDefault("CORE_PROVIDERS_CLOUDFLARE", "configs/providers_cloudflare.json"),
		envOrDefault("CORE_AGENT_RUNTIME", "configs/agent_runtime_config.json"),
		envOrDefault("CORE_SERVICE_CONFIG", "configs/service.yaml"),
	)

	defaultCount, cloudflareCount, err := cfgMgr.Load()
	if err != nil {
		logger.Warn("config load failed, continuing with defaults", zap.Error(err))
	} else {
		logger.Info("loaded provider configs",
			zap.Int("default_providers", defaultCount),
			zap.Int("cloudflare_providers", cloudflareCount),
			zap.Bool("flaresolverr_enabled", os.Getenv("FLARESOLVERR_URL") != ""),
		)
	}

	reg := registry.New(logger)

	metricsRegistry := prometheus.NewRegistry()
	healthMonitor := health.NewMonitor(logger, 5*time.Minute, metricsRegistry)
	reg.SetHealthMonitor(healthMonitor)

	tracker := progress.NewTracker(logger, 100)
	broadcaster := wsbroadcast.New(logger)
	tracker.SetBroadcaster(broadcaster)

	jobQueue := jobs.New(logger, 3, 2)

	downloadWorker := worker.NewDownloadWorker(logger, tracker, reg)
	for _, t := range []jobs.Type{jobs.TypeDownloadChapter, jobs.TypeDownloadManga, jobs.TypeDownloadCover, jobs.TypeBulkDownload} {
		jobQueue.RegisterHandler(t, downloadWorker.Handler(t))
	}
	healthWorker := worker.NewHealthCheckWorker(logger, tracker, reg, healthMonitor, cfgMgr)
	jobQueue.RegisterHandler(jobs.TypeHealthCheck, healthWorker.Handler())
	jobQueue.RegisterHandler(jobs.TypeProviderTest, healthWorker.Handler())

	go healthMonitor.Run(ctx)
	go jobQueue.Run()
	go broadcaster.Run()
	go runJanitors(ctx, tracker, jobQueue)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", websocketHandler(logger, broadcaster))

	addr := envOrDefault("CORE_LISTEN_ADDR", ":8090")
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	jobQueue.Stop()
	broadcaster.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func runJanitors(ctx context.Context, tracker *progress.Tracker, jobQueue *jobs.Queue) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.Janitor()
			jobQueue.Janitor()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func websocketHandler(logger *zap.Logger, broadcaster *wsbroadcast.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		userID := r.URL.Query().Get("user_id")
		sessionID := r.URL.Query().Get("session_id")
		connID := broadcaster.Connect(conn, userID, sessionID)

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				broadcaster.Disconnect(connID)
				return
			}
			broadcaster.HandleMessage(connID, raw)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
