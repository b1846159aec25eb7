package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"media-intake/internal/api"
	"media-intake/internal/attach"
	"media-intake/internal/config"
	"media-intake/internal/jobs"
	"media-intake/internal/logging"
	"media-intake/internal/pipeline"
	"media-intake/internal/postprocess"
	"media-intake/internal/quarantine"
	"media-intake/internal/records"
	"media-intake/internal/scan"
	"media-intake/internal/storage"
	"media-intake/internal/validate"
	"media-intake/internal/workers"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logging.Fatal("Configuration error: %v", err)
	}

	pipeline.StartupVips()
	defer pipeline.ShutdownVips()

	store, err := records.New(context.Background(), cfg.DatabasePath)
	if err != nil {
		logging.Fatal("Failed to initialize record store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Warn("Record store close error: %v", err)
		}
	}()

	mediaDisk, err := storage.NewLocalDisk(cfg.MediaDir)
	if err != nil {
		logging.Fatal("Failed to open media disk: %v", err)
	}
	quarantineDisk, err := storage.NewLocalDisk(cfg.QuarantineDir)
	if err != nil {
		logging.Fatal("Failed to open quarantine disk: %v", err)
	}

	// The breaker state lives in Redis when configured so every replica
	// sees the same open/closed decision
	var counter scan.FailureCounter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		counter = scan.NewRedisCounter(client)
		logging.Info("Scan breaker state in Redis at %s", cfg.RedisAddr)
	} else {
		counter = scan.NewMemoryCounter()
	}

	var scanner *scan.Coordinator
	if cfg.Scan.Enabled {
		var engines []scan.Engine
		for _, name := range cfg.Scan.Handlers {
			switch name {
			case "clamd":
				engines = append(engines, scan.NewClamdEngine(cfg.Scan.ClamdAddr))
			case "rules":
				engines = append(engines, scan.NewRuleEngine(cfg.Profile.ScanWindow(), cfg.Scan.Patterns))
			default:
				logging.Fatal("Unknown scan handler %q", name)
			}
		}
		breaker := scan.NewBreaker(counter, cfg.Scan.CircuitBreaker.MaxFailures, cfg.Scan.CircuitBreaker.Decay())
		scanner = scan.NewCoordinator(engines, breaker, cfg.Scan.Timeout(), cfg.Scan.FirstChunkOnly)
		logging.Info("Scanning enabled with handlers %v", cfg.Scan.Handlers)
	} else {
		logging.Info("Scanning disabled")
	}

	primary := pipeline.NewVipsBackend()
	fallback := pipeline.NewImagingBackend()
	validator := validate.New(cfg.Profile, primary)
	normalizer := pipeline.NewNormalizer(primary, fallback, cfg.TempDir)
	optimizer := pipeline.NewOptimizer(cfg.TempDir)

	runtime := jobs.New(workers.ForMixed(8))
	processor := postprocess.NewProcessor(store, mediaDisk, optimizer, cfg.MediaDir)
	runtime.Register(postprocess.Queue, processor, jobs.Options{
		MaxAttempts:      5,
		UniquenessWindow: cfg.PostProcess.MaxWait(),
	})
	runtime.Start()

	orchestrator := attach.NewOrchestrator(
		cfg.Profile,
		quarantine.New(quarantineDisk),
		scanner,
		validator,
		normalizer,
		mediaDisk,
		store,
		postprocess.NewEnqueuer(runtime, store, cfg.PostProcess),
		cfg.TempDir,
	)

	handlers := api.New(orchestrator, store, cfg)
	router := api.Router(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.RequestLogger(router),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go handleShutdown(srv, runtime)

	logging.Info("Media intake listening on :%s (startup took %v)", cfg.Port, time.Since(startTime).Round(time.Millisecond))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("Server error: %v", err)
	}
}

func handleShutdown(srv *http.Server, runtime *jobs.Runtime) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logging.Info("Received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	}
	runtime.Stop()
}
