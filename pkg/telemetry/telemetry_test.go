package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	logger := zerolog.Nop().Level(zerolog.Disabled)
	ctx := WithLogger(context.Background(), logger)

	if got := LoggerFromContext(ctx); got.GetLevel() != zerolog.Disabled {
		t.Error("expected the attached logger back")
	}

	// A bare context still yields a usable logger.
	fallback := LoggerFromContext(context.Background())
	fallback.Info().Msg("fallback logger works")
}

func TestMetrics_DisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// None of these may panic on a disabled instance.
	m.RecordOperationStarted("fast")
	m.RecordOperationFinished("fast", "completed", time.Second)
	m.RecordWorkflowFinished("completed", time.Minute)
	m.RecordStaleHeartbeat("upgrade-os")
	m.RecordMarker("[SUCCESS]")
	m.SetCachedResources(10, 2)
	m.RecordError("timeout")
}

func TestMetrics_EnabledExposesCounters(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:   true,
		Namespace: "fleetwright",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.RecordOperationStarted("fast")
	m.RecordOperationFinished("fast", "completed", 3*time.Second)
	m.RecordStaleHeartbeat("upgrade-os")
	m.RecordMarker("[ERROR]")
	m.SetCachedResources(7, 3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("failed to scrape: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read scrape body: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		`fleetwright_operations_started_total{category="fast"} 1`,
		`fleetwright_stale_heartbeats_total{operation="upgrade-os"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}
