package utils

import "testing"

func TestPostgresPoolConfigDefaults(t *testing.T) {
	cfg := PostgresPoolConfig{}.withDefaults()
	if cfg.MaxOpenConns <= 0 {
		t.Fatalf("expected MaxOpenConns default, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns <= 0 {
		t.Fatalf("expected MaxIdleConns default, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		t.Fatalf("expected PingTimeout default, got %v", cfg.PingTimeout)
	}
}

func TestPostgresPoolConfigKeepsExplicitValues(t *testing.T) {
	cfg := PostgresPoolConfig{MaxOpenConns: 5, MaxIdleConns: 2}.withDefaults()
	if cfg.MaxOpenConns != 5 || cfg.MaxIdleConns != 2 {
		t.Fatalf("explicit pool values overridden: %+v", cfg)
	}
}
