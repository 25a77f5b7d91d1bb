package main

import (
	"context"
	"embed"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/viewability.report/internal/api"
	"github.com/banshee-data/viewability.report/internal/db"
	"github.com/banshee-data/viewability.report/internal/monitoring"
	"github.com/banshee-data/viewability.report/internal/report"
	"github.com/banshee-data/viewability.report/internal/session"
	"github.com/banshee-data/viewability.report/internal/viewability"
)

var (
	//go:embed static/*
	staticFiles embed.FS

	devMode        = flag.Bool("dev", false, "Run in dev mode (serve ./static from disk, debug logging)")
	listen         = flag.String("listen", ":8080", "Listen address")
	dbFile         = flag.String("db", "viewability.db", "Path to the SQLite database file")
	idleTimeout    = flag.Duration("idle-timeout", 2*time.Minute, "Close sessions after this long without a beacon")
	rollupInterval = flag.Duration("rollup-interval", 5*time.Minute, "How often the worker pairs events into impressions")
	retention      = flag.Duration("retention", 720*time.Hour, "Prune raw events and session rows older than this (0 keeps everything)")
	modelVersion   = flag.String("model-version", "v1", "Version stamped on paired impressions")
	thresholdSpec  = flag.String("thresholds", "viewable:0.5:1s", "Comma-separated label:ratio[:dwell] thresholds")
)

// pruneLoop deletes raw events and session rows past the retention horizon
// once an hour. Impressions are the durable record and are never pruned here.
func pruneLoop(ctx context.Context, database *db.DB, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := float64(time.Now().Add(-retention).UnixNano()) / 1e9
			if n, err := database.PruneEvents(ctx, cutoff); err != nil {
				log.Printf("failed to prune events: %v", err)
			} else if n > 0 {
				log.Printf("pruned %d events older than %s", n, retention)
			}
			if n, err := database.PruneSessions(ctx, cutoff); err != nil {
				log.Printf("failed to prune sessions: %v", err)
			} else if n > 0 {
				log.Printf("pruned %d session rows older than %s", n, retention)
			}
		}
	}
}

// buildMux assembles the full route table: API, admin debugging, report
// dashboards, and the static demo page with the beacon script.
func buildMux(sessions *session.Manager, database *db.DB, dev bool) *http.ServeMux {
	mux := api.NewServer(sessions, database).ServeMux()

	// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
	database.AttachAdminRoutes(mux)

	report.NewReporter(database).Attach(mux)

	// read static files from the embedded filesystem in production or from
	// the local ./static in dev for easier iteration without restarting the
	// server
	var staticHandler http.Handler
	if dev {
		staticHandler = http.FileServer(http.Dir("./static"))
	} else {
		staticFS, err := fs.Sub(staticFiles, "static")
		if err != nil {
			log.Fatalf("failed to load embedded static files: %v", err)
		}
		staticHandler = http.FileServer(http.FS(staticFS))
	}
	mux.Handle("/", staticHandler)

	return mux
}

// Main
func main() {
	flag.Parse()

	// The migrate subcommand manages the schema and exits without starting
	// any servers.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *devMode {
		monitoring.Debug = true
	}

	thresholds, err := viewability.ParseThresholds(*thresholdSpec)
	if err != nil {
		log.Fatalf("Invalid -thresholds: %v", err)
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	sessions := session.NewManager(session.Config{
		Thresholds:  thresholds,
		IdleTimeout: *idleTimeout,
	}, database)
	defer sessions.Close()

	// pair enter/exit events into impressions in the background; the window
	// overlaps three intervals so spans near the edge get corrected on the
	// next run
	worker := db.NewImpressionsWorker(database, *modelVersion)
	worker.Interval = *rollupInterval
	worker.Window = 3 * *rollupInterval
	worker.Start()
	defer worker.Stop()

	// Create a wait group for the HTTP server, session sweep, and retention routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// close idle sessions so abandoned pages still flush their exits
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx)
		log.Print("session sweep routine terminated")
	}()

	if *retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneLoop(ctx, database, *retention)
			log.Print("retention routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := buildMux(sessions, database, *devMode)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
