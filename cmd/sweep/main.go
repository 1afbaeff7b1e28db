// Command sweep runs the retention pass: expired keys are flipped, stale
// keys and members are purged, and the rate limiter's blocked buckets are
// compacted and snapshotted. Run it once from cron, or with -loop to keep
// it resident.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"abrahamoflondon.org/internal/config"
	"abrahamoflondon.org/internal/keystore"
	"abrahamoflondon.org/internal/obs"
	"abrahamoflondon.org/internal/ratelimit"
	"abrahamoflondon.org/internal/record"
	"abrahamoflondon.org/internal/record/pg"
)

func main() {
	loop := flag.Bool("loop", false, "run continuously at the configured sweep interval")
	flag.Parse()

	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var store record.Store
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		store = pgStore
		defer pgStore.Close()
	} else {
		log.Println("no AOL_PG_DSN set, sweeping an empty in-memory store")
		store = record.NewMemory()
	}

	keys, err := keystore.NewService(store,
		keystore.WithKeyTTL(cfg.KeyTTL),
		keystore.WithKeyCap(cfg.KeyCap),
	)
	if err != nil {
		log.Fatalf("keystore: %v", err)
	}
	limiter := ratelimit.New(ratelimit.WithStore(store))

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := keys.Load(ctx); err != nil {
			log.Printf("keystore load: %v", err)
			return
		}
		stats := keys.Cleanup(ctx, cfg.Retention)

		if err := limiter.Restore(ctx); err != nil {
			log.Printf("limiter restore: %v", err)
		}
		evicted := limiter.Sweep()
		if err := limiter.Snapshot(ctx); err != nil {
			log.Printf("limiter snapshot: %v", err)
		}

		obs.LogEvent(map[string]any{
			"ts":                time.Now().UTC().Format(time.RFC3339),
			"level":             "info",
			"msg":               "sweep_complete",
			"members_purged":    stats.MembersPurged,
			"keys_purged":       stats.KeysPurged,
			"keys_auto_expired": stats.KeysAutoExpired,
			"buckets_evicted":   evicted,
		})
	}

	run()
	if !*loop {
		os.Exit(0)
	}

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		run()
	}
}
