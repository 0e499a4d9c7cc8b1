// -------------------------------------------------------------------------------
// Filevault - Resilient File Storage Service
//
// Author: Alex Freidah
//
// Entry point for the filevault service. Loads configuration, connects the
// PostgreSQL metadata store and the S3-compatible backend, wires the
// resilience subsystem (circuit breaker, health monitor, operation queue,
// degraded-mode controller, queue processor), and starts the HTTP server.
// When the backend is down, writes queue durably and replay follows recovery.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/resilience"
	"github.com/munchlab/filevault/internal/server"
	"github.com/munchlab/filevault/internal/storage"
	"github.com/munchlab/filevault/internal/telemetry"
)

func main() {
	// --- Subcommand dispatch ---
	if len(os.Args) > 1 && os.Args[1] == "replay" {
		runReplay(os.Args[2:])
		return
	}

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// --- Load configuration ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// --- Initialize tracing ---
	ctx := context.Background()
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	// --- Set build info metric ---
	telemetry.BuildInfo.WithLabelValues(telemetry.Version, runtime.Version()).Set(1)

	// --- Initialize PostgreSQL store ---
	store, err := metadata.NewStore(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Connected to PostgreSQL: %s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)

	// --- Run database migrations ---
	if err := store.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations applied")

	// --- Provision the service status row ---
	service := cfg.Backend.Name
	if _, err := store.EnsureServiceStatus(ctx, service); err != nil {
		log.Fatalf("Failed to provision service status: %v", err)
	}

	// --- Initialize backend ---
	backend, err := storage.NewS3Backend(cfg.Backend)
	if err != nil {
		log.Fatalf("Failed to initialize backend: %v", err)
	}
	log.Printf("Backend [%s]: %s/%s", cfg.Backend.Name, cfg.Backend.Endpoint, cfg.Backend.Bucket)

	// --- Wire the resilience subsystem ---
	breaker, err := resilience.NewCircuitBreaker(ctx, service, store, cfg.CircuitBreaker)
	if err != nil {
		log.Fatalf("Failed to initialize circuit breaker: %v", err)
	}

	queue := resilience.NewOperationQueue(store, cfg.Queue)
	notifier := resilience.NewNotifier(cfg.Notifications)

	controller, err := resilience.NewDegradedModeController(ctx, service, store, breaker, queue, notifier, cfg.CircuitBreaker)
	if err != nil {
		log.Fatalf("Failed to initialize degraded mode controller: %v", err)
	}

	processor := resilience.NewQueueProcessor(service, queue, backend, breaker, store, cfg.Processor)
	controller.SetDrainer(processor)

	monitor := resilience.NewHealthMonitor(service, backend, breaker, store, cfg.HealthCheck)

	// --- Start background loops ---
	loopCtx, stopLoops := context.WithCancel(ctx)
	go monitor.Run(loopCtx)
	go processor.Run(loopCtx)
	go controller.Run(loopCtx)

	// --- Create server ---
	srv := &server.Server{
		Service:       service,
		Backend:       backend,
		Controller:    controller,
		Breaker:       breaker,
		Queue:         queue,
		Monitor:       monitor,
		Status:        store,
		MaxObjectSize: cfg.Server.MaxObjectSize,
	}

	// --- Setup HTTP mux ---
	mux := http.NewServeMux()

	// Metrics endpoint
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle(cfg.Telemetry.Metrics.Path, promhttp.Handler())
		log.Printf("Metrics endpoint: %s", cfg.Telemetry.Metrics.Path)
	}

	// Liveness endpoint; reports process health, not backend health.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// File and operator surfaces (all other paths)
	mux.Handle("/", srv)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Handle graceful shutdown ---
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")

		// Stop background loops first so no drain starts mid-shutdown
		stopLoops()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		// Let in-flight alert notifications finish before the process exits
		notifier.Flush()

		if err := store.Close(); err != nil {
			log.Printf("Database close error: %v", err)
		}

		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Printf("Tracer shutdown error: %v", err)
		}
	}()

	// --- Log startup info ---
	log.Printf("Filevault v%s starting on %s", telemetry.Version, cfg.Server.ListenAddr)
	log.Printf("Circuit breaker: threshold=%d recovery=%s confirmation=%s",
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout, cfg.CircuitBreaker.RecoveryConfirmation)
	log.Printf("Operation queue: capacity=%d retries=%d", cfg.Queue.MaxSize, cfg.Queue.DefaultRetries)

	if cfg.Telemetry.Tracing.Enabled {
		log.Printf("Tracing enabled: %s (sample rate: %.2f, insecure: %v)",
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate, cfg.Telemetry.Tracing.Insecure)
	}

	// --- Start server ---
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
