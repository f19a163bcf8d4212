package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/renderforge/internal/api"
	"github.com/bobarin/renderforge/internal/artifacts"
	"github.com/bobarin/renderforge/internal/clipgen"
	"github.com/bobarin/renderforge/internal/compositor"
	"github.com/bobarin/renderforge/internal/config"
	"github.com/bobarin/renderforge/internal/db"
	"github.com/bobarin/renderforge/internal/ledger"
	"github.com/bobarin/renderforge/internal/orchestrator"
	"github.com/bobarin/renderforge/internal/progress"
	"github.com/bobarin/renderforge/internal/queue"
)

const reconcileInterval = 5 * time.Minute
const progressRetention = 7 * 24 * time.Hour

func main() {
	log.Println("Starting renderforge API...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	store := artifacts.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized artifact store")

	bus := progress.New(database)
	ledgerClient := ledger.New(cfg.LedgerBaseURL, cfg.LedgerAPIKey, database)
	clipGen := clipgen.New(store, cfg.XAIAPIKey, cfg.GeminiAPIKey)
	comp := compositor.New(store, cfg.TempDir)
	orch := orchestrator.New(store, bus, ledgerClient, clipGen, comp, database, cfg.TempDir)

	handler := api.NewHandler(orch, clipGen, store, bus)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		AppAttestationKey:  cfg.AppAttestationKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}
	if cfg.AppAttestationKey == "" {
		log.Println("WARNING: No APP_ATTESTATION_KEY set — mutating endpoints skip attestation (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	var bgCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled — starting re-drive consumer and reconciliation sweep")
		var bgCtx context.Context
		bgCtx, bgCancel = context.WithCancel(context.Background())

		go runReDriveWorker(bgCtx, orch, q)
		go runReconciliationLoop(bgCtx, orch, q, cfg.RenderSoftDeadline)
		go runProgressJanitor(bgCtx, database)
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if bgCancel != nil {
		bgCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runReDriveWorker services queue:render — populated only by the
// reconciliation sweep below, never by the primary POST /render path,
// which runs the orchestrator in-request and returns its result directly.
func runReDriveWorker(ctx context.Context, orch *orchestrator.Orchestrator, q *queue.Queue) {
	const dequeueTimeout = 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[worker] dequeue failed: %v", err)
			continue
		}
		if job == nil {
			continue
		}

		log.Printf("[worker] re-driving job %s (project %s)", job.ID, job.ProjectID)
		if err := orch.RunFromQueueJob(ctx, job); err != nil {
			log.Printf("[worker] job %s: re-drive failed: %v", job.ID, err)
		}
	}
}

func runReconciliationLoop(ctx context.Context, orch *orchestrator.Orchestrator, q *queue.Queue, softDeadline time.Duration) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := orch.Reconcile(ctx, q, softDeadline); err != nil {
				log.Printf("[reconcile] sweep failed: %v", err)
			}
		}
	}
}

func runProgressJanitor(ctx context.Context, database *db.DB) {
	const interval = 1 * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := database.PruneProgressOlderThan(ctx, progressRetention); err != nil {
				log.Printf("[janitor] pruning progress records failed: %v", err)
			}
		}
	}
}
