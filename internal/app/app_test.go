package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresJWTSecret(t *testing.T) {
	cfg := LoadConfig()
	cfg.JWTSecret = ""

	if _, err := New(cfg, discardLogger()); err == nil {
		t.Fatalf("expected error without a JWT secret")
	}
}

func TestNewInMemoryMode(t *testing.T) {
	cfg := LoadConfig()
	cfg.JWTSecret = "app-test-secret-app-test-secret!"
	cfg.DatabaseURL = ""

	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if a.dbEnabled {
		t.Fatalf("db must be disabled without a database URL")
	}
	if a.ws == nil || a.registry == nil {
		t.Fatalf("gateway wiring incomplete")
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	cfg := LoadConfig()
	cfg.JWTSecret = "app-test-secret-app-test-secret!"
	cfg.DatabaseURL = ""

	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s status=%d want=200", path, rr.Code)
		}
	}
}

func TestReadyzRequiresDBWhenConfigured(t *testing.T) {
	cfg := LoadConfig()
	cfg.JWTSecret = "app-test-secret-app-test-secret!"
	cfg.DatabaseURL = ""
	cfg.ReadinessRequireDB = true

	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status=%d want=503", rr.Code)
	}
}

func TestNonZeroHelpers(t *testing.T) {
	t.Parallel()

	if got := nonZeroDuration(0, 5*time.Second); got != 5*time.Second {
		t.Fatalf("nonZeroDuration zero: %v", got)
	}
	if got := nonZeroDuration(time.Second, 5*time.Second); got != time.Second {
		t.Fatalf("nonZeroDuration set: %v", got)
	}
	if got := nonZeroInt(0, 7); got != 7 {
		t.Fatalf("nonZeroInt zero: %d", got)
	}
	if got := nonZeroInt(3, 7); got != 3 {
		t.Fatalf("nonZeroInt set: %d", got)
	}
}
