package config

import (
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	if got := envStr("TEST_STR", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
	if got := envStr("TEST_STR_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestEnvIntParsing(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := envInt("TEST_INT", 0); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := envInt("TEST_INT_MISSING", 99); got != 99 {
		t.Fatalf("expected fallback 99, got %d", got)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if got := envInt("TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7 for unparseable value, got %d", got)
	}
}

func TestEnvFloatParsing(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.8")
	if got := envFloat("TEST_FLOAT", 0); got != 0.8 {
		t.Fatalf("expected 0.8, got %v", got)
	}
	t.Setenv("TEST_FLOAT_BAD", "high")
	if got := envFloat("TEST_FLOAT_BAD", 0.65); got != 0.65 {
		t.Fatalf("expected fallback 0.65, got %v", got)
	}
}

func TestEnvDurationParsing(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if got := envDuration("TEST_DUR", 0); got != 5*time.Second {
		t.Fatalf("expected 5s, got %s", got)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if got := envDuration("TEST_DUR_BAD", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RouteThreshold != 0.65 {
		t.Fatalf("expected default route threshold 0.65, got %v", cfg.RouteThreshold)
	}
	if cfg.MaxIterations != 5 {
		t.Fatalf("expected default max iterations 5, got %d", cfg.MaxIterations)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAJI_ROUTE_THRESHOLD", "0.8")
	t.Setenv("KAJI_MAX_ITERATIONS", "7")
	t.Setenv("KAJI_SHUTDOWN_GRACE", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RouteThreshold != 0.8 {
		t.Fatalf("expected route threshold 0.8, got %v", cfg.RouteThreshold)
	}
	if cfg.MaxIterations != 7 {
		t.Fatalf("expected max iterations 7, got %d", cfg.MaxIterations)
	}
	if cfg.ShutdownGrace != 3*time.Second {
		t.Fatalf("expected shutdown grace 3s, got %s", cfg.ShutdownGrace)
	}
}

func TestValidateRejectsOutOfRangeThreshold(t *testing.T) {
	t.Setenv("KAJI_ROUTE_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with KAJI_ROUTE_THRESHOLD out of range")
	}
}

func TestValidateRejectsNonPositiveIterations(t *testing.T) {
	t.Setenv("KAJI_MAX_ITERATIONS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with KAJI_MAX_ITERATIONS=0")
	}
}
