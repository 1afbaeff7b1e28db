// Package config loads the service configuration from the environment at
// startup. Services receive parsed values through their constructors and
// never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full startup configuration surface.
type Config struct {
	ListenAddr string
	PGDSN      string

	SessionSecret string
	SessionIssuer string
	SessionTTL    time.Duration

	AdminToken string

	KeyTTL        time.Duration
	KeyCap        int
	Retention     time.Duration
	SweepInterval time.Duration

	Maintenance       bool
	MaintenanceTiers  []string
	MaintenanceETA    time.Time
	GeoBlock          bool
	GeoBlockCountries []string
	DefaultTimezone   string
	RateWindow        time.Duration
	RateBlock         time.Duration
	RateMax           int
	RateMaxPerTier    map[string]int
	PreLimiterPerSec  int
	PreLimiterBurst   int
}

// Load reads the environment and applies defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:    envString("AOL_LISTEN_ADDR", ":8080"),
		PGDSN:         os.Getenv("AOL_PG_DSN"),
		SessionSecret: os.Getenv("AOL_SESSION_SECRET"),
		SessionIssuer: envString("AOL_SESSION_ISSUER", "abrahamoflondon"),
		AdminToken:    os.Getenv("AOL_ADMIN_TOKEN"),

		DefaultTimezone: envString("AOL_DEFAULT_TIMEZONE", "Europe/London"),

		Maintenance:       envBool("AOL_MAINTENANCE", false),
		MaintenanceTiers:  envCSV("AOL_MAINTENANCE_TIERS", nil),
		GeoBlock:          envBool("AOL_GEOBLOCK", false),
		GeoBlockCountries: envCSV("AOL_GEOBLOCK_COUNTRIES", nil),
	}

	var err error
	if cfg.SessionTTL, err = envHours("AOL_SESSION_TTL_HOURS", 12*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.KeyTTL, err = envDays("AOL_KEY_TTL_DAYS", 30*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.KeyCap, err = envInt("AOL_KEY_CAP", 5); err != nil {
		return Config{}, err
	}
	if cfg.Retention, err = envDays("AOL_RETENTION_DAYS", 365*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envHours("AOL_SWEEP_INTERVAL_HOURS", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.RateWindow, err = envMillis("AOL_RATE_WINDOW_MS", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RateBlock, err = envMillis("AOL_RATE_BLOCK_MS", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RateMax, err = envInt("AOL_RATE_MAX", 60); err != nil {
		return Config{}, err
	}
	if cfg.PreLimiterPerSec, err = envInt("AOL_PRELIMIT_PER_SEC", 20); err != nil {
		return Config{}, err
	}
	if cfg.PreLimiterBurst, err = envInt("AOL_PRELIMIT_BURST", 40); err != nil {
		return Config{}, err
	}

	cfg.RateMaxPerTier = map[string]int{}
	for _, name := range []string{"public", "basic", "plus", "elite", "restricted"} {
		max, err := envInt("AOL_RATE_MAX_"+strings.ToUpper(name), 0)
		if err != nil {
			return Config{}, err
		}
		if max > 0 {
			cfg.RateMaxPerTier[name] = max
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AOL_MAINTENANCE_ETA")); raw != "" {
		eta, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Config{}, fmt.Errorf("AOL_MAINTENANCE_ETA: %w", err)
		}
		cfg.MaintenanceETA = eta
	}

	return cfg, nil
}

// RateMaxFor returns the per-window request cap for a tier, falling back to
// the global default.
func (c Config) RateMaxFor(tierName string) int {
	if max, ok := c.RateMaxPerTier[strings.ToLower(strings.TrimSpace(tierName))]; ok {
		return max
	}
	return c.RateMax
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDays(name string, fallback time.Duration) (time.Duration, error) {
	days, err := envInt(name, 0)
	if err != nil {
		return 0, err
	}
	if days <= 0 {
		return fallback, nil
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

func envHours(name string, fallback time.Duration) (time.Duration, error) {
	hours, err := envInt(name, 0)
	if err != nil {
		return 0, err
	}
	if hours <= 0 {
		return fallback, nil
	}
	return time.Duration(hours) * time.Hour, nil
}

func envMillis(name string, fallback time.Duration) (time.Duration, error) {
	ms, err := envInt(name, 0)
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return fallback, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}
