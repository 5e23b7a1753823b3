package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ppe-sentinel/internal/api"
	"github.com/technosupport/ppe-sentinel/internal/config"
	"github.com/technosupport/ppe-sentinel/internal/data"
	"github.com/technosupport/ppe-sentinel/internal/detect"
	"github.com/technosupport/ppe-sentinel/internal/metrics"
	"github.com/technosupport/ppe-sentinel/internal/monitor"
	"github.com/technosupport/ppe-sentinel/internal/notify"
	"github.com/technosupport/ppe-sentinel/internal/snapshot"
	"github.com/technosupport/ppe-sentinel/internal/tokens"
	"github.com/technosupport/ppe-sentinel/internal/ws"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config
	dbHost := envOr("DB_HOST", "localhost")
	dbPort := envOr("DB_PORT", "5432")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := envOr("DB_NAME", "ppe_sentinel")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	natsURL := os.Getenv("NATS_URL")
	jwtKey := envOr("JWT_SIGNING_KEY", "dev-secret-do-not-use-in-prod")
	listenAddr := envOr("LISTEN_ADDR", ":8000")
	detectorURL := envOr("DETECTOR_URL", "http://localhost:8500")
	tuneablesPath := os.Getenv("TUNEABLES_FILE")
	mediaRoot := envOr("MEDIA_ROOT", "./media")
	mediaBaseURL := envOr("MEDIA_BASE_URL", "/media")

	tuneables, err := config.NewStore(tuneablesPath)
	if err != nil {
		log.Fatalf("Tuneables load error: %v", err)
	}
	tuneables.StartWatcher(ctx)

	// 2. Database
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPass, dbHost, dbPort, dbName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}
	defer db.Close()

	// 3. Redis
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis ping error: %v", err)
	}

	// 4. NATS (optional; alerts stay local-only without it)
	var publisher *notify.Publisher
	if natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.MaxReconnects(-1))
		if err != nil {
			log.Fatalf("NATS connect error: %v", err)
		}
		defer nc.Close()
		publisher = notify.NewPublisher(nc, envOr("NATS_ALERT_SUBJECT", notify.DefaultSubject))
	} else {
		log.Printf("[Server] NATS_URL not set, alert publishing disabled")
	}

	// 5. Detector facade. A sidecar without a loaded model is fatal: the
	// process must not accept stream subscriptions it cannot serve.
	settings := detect.NewSettingsStore(ctx, rdb)
	detector := detect.NewClient(detectorURL, settings)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := detector.Ping(pingCtx); err != nil {
		cancel()
		log.Fatalf("Detector unavailable: %v", err)
	}
	cancel()

	// 6. Snapshot store
	var snapshots snapshot.Store
	if supaURL := os.Getenv("SUPABASE_URL"); supaURL != "" {
		snapshots, err = snapshot.NewSupabaseStore(supaURL, os.Getenv("SUPABASE_SERVICE_KEY"),
			envOr("SUPABASE_BUCKET", "violations"))
		if err != nil {
			log.Fatalf("Supabase store error: %v", err)
		}
		log.Printf("[Server] snapshots -> supabase bucket")
	} else {
		snapshots = snapshot.NewDiskStore(mediaRoot, mediaBaseURL)
		log.Printf("[Server] snapshots -> %s", mediaRoot)
	}

	// 7. Core pipeline collaborators
	collector := metrics.NewCollector()
	hub := ws.NewHub()
	deps := &monitor.Deps{
		Detector:   detector,
		Settings:   settings,
		Tuneables:  tuneables,
		Hub:        hub,
		Detections: data.DetectionModel{DB: db},
		Snapshots:  snapshots,
		Notifier:   publisher,
		Registry:   monitor.NewRegistry(),
		Metrics:    collector,
		Cache:      rdb,
	}
	streams := monitor.NewManager(deps)

	tokenMgr := tokens.NewManager(jwtKey)
	cameras := data.CameraModel{DB: db}

	// 8. Router
	r := chi.NewRouter()

	monitorHandler := api.NewMonitorHandler(tokenMgr, cameras, hub, streams, collector)
	settingsHandler := api.NewSettingsHandler(tokenMgr, settings)
	statusHandler := api.NewStatusHandler(rdb, streams)

	r.Get("/ws/monitor/{camera_id}", monitorHandler.ServeWS)
	r.Get("/health", statusHandler.Health)
	r.Get("/api/v1/cameras/{camera_id}/latest", statusHandler.LatestDetection)
	r.Get("/api/v1/cameras/{camera_id}/stream-state", statusHandler.StreamState)
	r.Get("/api/v1/settings/detector", settingsHandler.Get)
	r.Put("/api/v1/settings/detector", settingsHandler.Update)
	r.Handle("/metrics", collector.Handler())
	r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(mediaRoot))))

	server := &http.Server{
		Addr:    listenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("[Server] listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[Server] shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	server.Shutdown(shutdownCtx)
	streams.Shutdown()
}
