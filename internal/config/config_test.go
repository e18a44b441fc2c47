package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("SALES_WINDOW_DAYS", "-3")
	t.Setenv("REPORT_CACHE_TTL_SECONDS", "abc")
	t.Setenv("MIGRATE_ON_START", "false")

	cfg := Load()
	if cfg.SalesWindowDays != 30 {
		t.Fatalf("expected default window 30, got %d", cfg.SalesWindowDays)
	}
	if cfg.ReportCacheTTLSeconds != 60 {
		t.Fatalf("expected default cache ttl 60, got %d", cfg.ReportCacheTTLSeconds)
	}
	if cfg.MigrateOnStart {
		t.Fatalf("expected MIGRATE_ON_START=false to be honoured")
	}
	if cfg.Address() != ":"+cfg.Port {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
