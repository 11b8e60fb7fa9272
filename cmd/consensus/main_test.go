package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/indicators"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/metrics"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("CONSENSUS_TEST_VALUE", "set")
	assert.Equal(t, "set", getEnv("CONSENSUS_TEST_VALUE", "default"))
	assert.Equal(t, "default", getEnv("CONSENSUS_TEST_UNSET", "default"))
}

func TestFollowIndicatorReloads(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	path := filepath.Join(dir, "indicators.yaml")
	require.NoError(t, os.WriteFile(path, []byte("known_threat_ips: [203.0.113.1]\n"), 0644))

	loader := indicators.NewLoader(dir, false, 0, indicators.Defaults(), logger)
	_, err := loader.LoadSnapshot()
	require.NoError(t, err)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		followIndicatorReloads(ctx, loader, m, logger)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.IndicatorReloads) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KnownThreatIPs))

	require.NoError(t, os.WriteFile(path, []byte("known_threat_ips: [203.0.113.1, 203.0.113.2, 203.0.113.3]\n"), 0644))
	_, err = loader.LoadSnapshot()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.IndicatorReloads) == 2 && testutil.ToFloat64(m.KnownThreatIPs) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follower did not stop")
	}
}
