package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"abrahamoflondon.org/internal/access"
	"abrahamoflondon.org/internal/config"
	"abrahamoflondon.org/internal/httpapi"
	"abrahamoflondon.org/internal/keystore"
	"abrahamoflondon.org/internal/obs"
	"abrahamoflondon.org/internal/ratelimit"
	"abrahamoflondon.org/internal/record"
	"abrahamoflondon.org/internal/record/pg"
	"abrahamoflondon.org/internal/session"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GIT_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Durable store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		store record.Store
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
		defer pgStore.Close()
	} else {
		store = record.NewMemory()
		log.Println("no AOL_PG_DSN set, using in-memory store")
	}

	keys, err := keystore.NewService(store,
		keystore.WithKeyTTL(cfg.KeyTTL),
		keystore.WithKeyCap(cfg.KeyCap),
	)
	if err != nil {
		log.Fatalf("keystore: %v", err)
	}
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := keys.Load(loadCtx); err != nil {
		cancelLoad()
		log.Fatalf("keystore load: %v", err)
	}
	cancelLoad()

	var sessions *session.Service
	if cfg.SessionSecret != "" {
		sessions, err = session.NewService(cfg.SessionSecret, cfg.SessionIssuer,
			session.WithTTL(cfg.SessionTTL))
		if err != nil {
			log.Fatalf("session: %v", err)
		}
	} else {
		log.Println("no AOL_SESSION_SECRET set, key redemption disabled")
	}

	evaluator := access.NewEvaluator(access.Settings{
		Maintenance:       cfg.Maintenance,
		MaintenanceTiers:  cfg.MaintenanceTiers,
		MaintenanceETA:    cfg.MaintenanceETA,
		GeoBlock:          cfg.GeoBlock,
		GeoBlockCountries: cfg.GeoBlockCountries,
		DefaultTimezone:   cfg.DefaultTimezone,
	})

	limiter := ratelimit.New(ratelimit.WithStore(store))
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 10*time.Second)
	if err := limiter.Restore(restoreCtx); err != nil {
		log.Printf("limiter restore skipped: %v", err)
	}
	cancelRestore()

	api := httpapi.New(cfg, keys, sessions, evaluator, limiter, httpapi.ReadyProbe{DB: db}, version)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting entitlements-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if err := limiter.Snapshot(ctx); err != nil {
		log.Printf("limiter snapshot: %v", err)
	}
	if err := keys.Close(ctx); err != nil {
		log.Printf("keystore close: %v", err)
	}
	log.Println("Stopped")
}
