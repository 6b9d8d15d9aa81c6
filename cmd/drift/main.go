package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tanmoysrt/drift/internal/agentclient"
	"github.com/tanmoysrt/drift/internal/api"
	"github.com/tanmoysrt/drift/internal/artifact"
	"github.com/tanmoysrt/drift/internal/cleanup"
	"github.com/tanmoysrt/drift/internal/config"
	"github.com/tanmoysrt/drift/internal/cron"
	"github.com/tanmoysrt/drift/internal/jobs"
	"github.com/tanmoysrt/drift/internal/script"
	"github.com/tanmoysrt/drift/internal/server"
	"github.com/tanmoysrt/drift/internal/session"
	"github.com/tanmoysrt/drift/internal/test"
	"github.com/tanmoysrt/drift/internal/testdef"
	"github.com/tanmoysrt/drift/internal/testrunner"
	"github.com/tanmoysrt/drift/internal/video"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()
	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverSvc, sessionSvc, testSvc, defSvc := buildStores(ctx, cfg, logger)

	var dedupe jobs.DedupeStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		dedupe = jobs.NewRedisDedupeStore(client, "drift:jobs")
		logger.Printf("job dedupe backed by redis at %s", cfg.RedisAddr)
	}
	queue := jobs.NewQueue(dedupe, jobs.Config{
		QueueSize: cfg.QueueSize,
		Workers:   cfg.QueueWorkers,
		DedupeTTL: cfg.DedupeTTL,
	}, logger)
	queue.Start(ctx)

	clients := agentclient.NewFactory(cfg.AgentRequestTimeout, cfg.AgentDestroyTimeout)
	manager := session.NewManager(sessionSvc, serverSvc, clients, logger)
	pool := server.NewPool(serverSvc, clients, queue, manager, logger)

	store := artifact.NewLocalStore(cfg.VideoDir, cfg.VideoBaseURL)
	videos := video.NewPipeline(sessionSvc, serverSvc, clients, store, queue, cfg.VideoSettleDelay, logger)
	manager.SetVideoSync(videos)

	var scripts script.Backend = script.NewDisabled(logger)
	if cfg.ScriptBridgeURL != "" {
		scripts = script.NewHTTPBridge(cfg.ScriptBridgeURL, cfg.ScriptBridgeToken, cfg.ScriptBridgeTimeout)
	}
	gateway := testrunner.ManagerGateway{Manager: manager}
	runner := testrunner.NewRunner(testSvc, defSvc, gateway, scripts, scripts, scripts, queue, logger)
	launcher := testrunner.NewLauncher(defSvc, testSvc, pool, gateway, runner, logger)
	cleaner := cleanup.NewPipeline(testSvc, defSvc, scripts, scripts, logger)

	crons := cron.NewRunner(logger)
	crons.Add(cron.Job{Name: "server health sync", Every: cfg.ServerSyncInterval, Run: pool.SyncAllHealth})
	crons.Add(cron.Job{Name: "session reconciliation", Every: cfg.SessionSyncInterval, Run: pool.SyncAllSessions})
	crons.Add(cron.Job{Name: "video trigger and reconcile", Every: cfg.VideoTriggerInterval, Run: func(ctx context.Context) {
		videos.TriggerSweep(ctx)
		videos.ReconcileStatuses(ctx)
	}})
	crons.Add(cron.Job{Name: "video download and purge", Every: cfg.VideoDownloadInterval, Run: func(ctx context.Context) {
		videos.DownloadSweep(ctx)
		videos.PurgeSweep(ctx)
	}})
	crons.Add(cron.Job{Name: "auto trigger", Every: cfg.AutoTriggerInterval, Run: launcher.AutoTrigger})
	crons.Add(cron.Job{Name: "gc and cleanup", Every: cfg.CleanupSweepInterval, Run: cleaner.Sweep})
	go func() {
		if err := crons.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("cron runner stopped: %v", err)
		}
	}()

	apiServer := api.NewServer(serverSvc, pool, defSvc, testSvc, sessionSvc, manager, launcher, videos)
	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Routes())
	mux.Handle(cfg.VideoBaseURL+"/", http.StripPrefix(cfg.VideoBaseURL+"/", http.FileServer(http.Dir(cfg.VideoDir))))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
	}()

	logger.Printf("drift listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("drift failed: %v", err)
	}
}

func buildStores(ctx context.Context, cfg config.Config, logger *log.Logger) (server.Service, session.Service, test.Service, testdef.Service) {
	if cfg.PostgresDSN == "" {
		logger.Printf("no postgres dsn configured, using in-memory stores")
		return server.NewInMemoryService(), session.NewInMemoryService(),
			test.NewInMemoryService(), testdef.NewInMemoryService()
	}

	serverSvc, err := server.NewPostgresService(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect servers store: %v", err)
	}
	sessionSvc, err := session.NewPostgresService(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect sessions store: %v", err)
	}
	testSvc, err := test.NewPostgresService(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect tests store: %v", err)
	}
	defSvc, err := testdef.NewPostgresService(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect definitions store: %v", err)
	}
	logger.Printf("stores backed by postgres")
	return serverSvc, sessionSvc, testSvc, defSvc
}
