package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/narration-stream/internal/cache"
	"github.com/codebuildervaibhav/narration-stream/internal/cleanup"
	"github.com/codebuildervaibhav/narration-stream/internal/config"
	"github.com/codebuildervaibhav/narration-stream/internal/generation"
	"github.com/codebuildervaibhav/narration-stream/internal/handlers"
	"github.com/codebuildervaibhav/narration-stream/internal/player"
	"github.com/codebuildervaibhav/narration-stream/internal/queue"
	"github.com/codebuildervaibhav/narration-stream/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	config.LoadEnv()

	// Load configuration
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Custom logger setup
	logBuffer := NewLogBuffer(1000)
	log.SetOutput(io.MultiWriter(os.Stdout, logBuffer))

	log.Println("Initializing components...")

	// Local storage
	localStorage, err := storage.NewLocalStorage(cfg.Storage.CacheDir, cfg.Storage.TempDir)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	// Database
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Database), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	db, err := storage.NewMetadataDB(cfg.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Audio cache
	store, err := cache.NewStore(localStorage, db, cfg.MaxCacheBytes())
	if err != nil {
		log.Fatalf("Failed to load cache: %v", err)
	}

	// TTS backend
	apiKey := cfg.APIKey()
	if apiKey == "" {
		log.Printf("WARNING: %s is not set, calling the backend without credentials", cfg.Backend.APIKeyEnv)
	}
	backend := generation.NewHTTPBackend(cfg.Backend.Endpoint, apiKey, cfg.Backend.Format, cfg.BackendTimeout())

	// Google Drive client (optional - may fail if credentials not set up)
	var driveClient *storage.DriveClient
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); err == nil {
		driveClient, err = storage.NewDriveClient(
			context.Background(),
			cfg.GoogleDrive.CredentialsFile,
			cfg.GoogleDrive.TokenFile,
			cfg.GoogleDrive.FolderName,
		)
		if err != nil {
			log.Printf("WARNING: Google Drive not available: %v", err)
			driveClient = nil
		} else {
			log.Println("Google Drive integration enabled")
		}
	} else {
		log.Println("Google Drive credentials not found - audio is cached locally only")
	}

	opts := generation.Options{
		RetryBackoff: cfg.RetryBackoff(),
		Quality:      cfg.Backend.Quality,
	}
	if driveClient != nil && cfg.GoogleDrive.Mirror {
		opts.Mirror = driveClient
	}
	client := generation.NewClient(backend, store, opts)

	// Prefetch worker pool
	workerPool := queue.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueSize, client)
	workerPool.Start()

	// Playback sessions
	playerCfg := player.Config{
		MaxChunkChars: cfg.Playback.MaxChunkChars,
		PollInterval:  cfg.PollInterval(),
		SkipInterval:  cfg.SkipInterval(),
		Prefetch: player.Prefetcher{
			BufferCount: cfg.Playback.BufferCount,
			LeadTime:    cfg.PrefetchLead(),
			Ratio:       cfg.Playback.PrefetchRatio,
		},
	}
	registry := player.NewRegistry(func(id string) *player.Orchestrator {
		sessionCfg := playerCfg
		sessionCfg.SessionID = id
		return player.New(sessionCfg, client, workerPool, store, player.NewClockOutput(cfg.Playback.BitrateKbps))
	})

	// Cache reconciler
	reconciler := cleanup.NewReconciler(store, localStorage, cleanup.Options{
		Interval:    cfg.ReconcileInterval(),
		OrphanGrace: cfg.OrphanGrace(),
		TempMaxAge:  cfg.TempMaxAge(),
		Concurrency: cfg.Reconcile.Concurrency,
	})
	reconciler.AddChecker("http://", backend)
	reconciler.AddChecker("https://", backend)
	if driveClient != nil {
		reconciler.AddChecker(storage.DriveRefPrefix, driveClient)
	}
	reconciler.Start()

	// Create Fiber app
	app := fiber.New()

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	// Initialize handlers
	playbackHandler := handlers.NewPlaybackHandler(registry)
	streamHandler := handlers.NewStreamHandler(registry)
	cacheHandler := handlers.NewCacheHandler(store, reconciler)

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "healthy",
			"version":  "1.0.0",
			"sessions": registry.Len(),
		})
	})

	app.Post("/sessions", playbackHandler.Create)
	app.Get("/sessions/:id", playbackHandler.Status)
	app.Get("/sessions/:id/audio", playbackHandler.Audio)
	app.Post("/sessions/:id/:action", playbackHandler.Control)
	app.Delete("/sessions/:id", playbackHandler.Delete)

	// WebSocket route
	app.Get("/ws/sessions/:id", streamHandler.Upgrade, websocket.New(streamHandler.Handle))

	app.Get("/cache/stats", cacheHandler.Stats)
	app.Get("/cache/entries", cacheHandler.Entries)
	app.Post("/cache/reconcile", cacheHandler.Reconcile)
	app.Delete("/cache/:key", cacheHandler.Remove)
	app.Delete("/cache", cacheHandler.Clear)
	app.Get("/audio/:key", cacheHandler.Audio)

	// Get server logs
	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Server starting on %s", addr)
	log.Println("Endpoints:")
	log.Println("   POST   /sessions              - Start playback of a transcript")
	log.Println("   GET    /sessions/:id          - Playback status")
	log.Println("   POST   /sessions/:id/:action  - pause, resume, seek, speed, skip-forward, skip-backward, stop")
	log.Println("   GET    /sessions/:id/audio    - Currently loaded chunk")
	log.Println("   DELETE /sessions/:id          - Release a session")
	log.Println("   GET    /ws/sessions/:id       - WebSocket progress events and controls")
	log.Println("   GET    /cache/stats           - Cache usage")
	log.Println("   POST   /cache/reconcile       - Run a reconciliation pass")
	log.Println("   DELETE /cache[/:key]          - Invalidate cached audio")
	log.Println("   GET    /audio/:key            - Cached chunk by key")
	log.Println("   GET    /logs                  - View server logs")
	log.Println("   GET    /health                - Health check")

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down gracefully...")
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Printf("Server failed: %v", err)
	}

	registry.CloseAll()
	workerPool.Stop()
	reconciler.Stop()
}
