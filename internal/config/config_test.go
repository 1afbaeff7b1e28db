package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.KeyTTL != 30*24*time.Hour {
		t.Fatalf("unexpected key TTL: %v", cfg.KeyTTL)
	}
	if cfg.KeyCap != 5 {
		t.Fatalf("unexpected key cap: %d", cfg.KeyCap)
	}
	if cfg.RateWindow != time.Minute || cfg.RateBlock != 5*time.Minute {
		t.Fatalf("unexpected rate defaults: %v / %v", cfg.RateWindow, cfg.RateBlock)
	}
	if cfg.Maintenance || cfg.GeoBlock {
		t.Fatal("maintenance and geo-block must default to off")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AOL_KEY_TTL_DAYS", "7")
	t.Setenv("AOL_KEY_CAP", "3")
	t.Setenv("AOL_RATE_MAX_ELITE", "600")
	t.Setenv("AOL_MAINTENANCE", "true")
	t.Setenv("AOL_MAINTENANCE_TIERS", "elite, restricted")
	t.Setenv("AOL_MAINTENANCE_ETA", "2026-09-01T06:00:00Z")
	t.Setenv("AOL_GEOBLOCK_COUNTRIES", "XX,YY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KeyTTL != 7*24*time.Hour {
		t.Fatalf("unexpected key TTL: %v", cfg.KeyTTL)
	}
	if cfg.KeyCap != 3 {
		t.Fatalf("unexpected key cap: %d", cfg.KeyCap)
	}
	if cfg.RateMaxFor("elite") != 600 {
		t.Fatalf("unexpected elite rate max: %d", cfg.RateMaxFor("elite"))
	}
	if cfg.RateMaxFor("basic") != cfg.RateMax {
		t.Fatalf("basic should fall back to default, got %d", cfg.RateMaxFor("basic"))
	}
	if !cfg.Maintenance {
		t.Fatal("maintenance should be on")
	}
	if len(cfg.MaintenanceTiers) != 2 || cfg.MaintenanceTiers[1] != "restricted" {
		t.Fatalf("unexpected maintenance tiers: %v", cfg.MaintenanceTiers)
	}
	if cfg.MaintenanceETA.IsZero() {
		t.Fatal("maintenance ETA not parsed")
	}
	if len(cfg.GeoBlockCountries) != 2 {
		t.Fatalf("unexpected geo countries: %v", cfg.GeoBlockCountries)
	}
}

func TestLoadRejectsMalformedInt(t *testing.T) {
	t.Setenv("AOL_KEY_CAP", "five")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed AOL_KEY_CAP")
	}
}
