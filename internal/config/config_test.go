package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 12, cfg.Compositor.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Compositor.LeaseTTL)
	assert.Equal(t, 15*time.Minute, cfg.Watchdog.JobStallAfter)
	assert.Equal(t, 60*time.Minute, cfg.Watchdog.TileFailureCleanup)
	assert.Less(t, cfg.Watchdog.AnalysisStallAfter, cfg.Watchdog.GenerationStallAfter)
	assert.Equal(t, "compositor", cfg.Queue.CompositorQueue)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COMPOSITOR_BATCH_SIZE", "4")
	t.Setenv("COMPOSITOR_LEASE_TTL", "90")
	t.Setenv("WATCHDOG_JOB_STALL_AFTER", "20m")
	t.Setenv("MAX_CONCURRENT_JOBS", "not-a-number")
	t.Setenv("OTEL_TRACES_SAMPLE_RATIO", "0.25")

	cfg := Load()
	assert.Equal(t, 4, cfg.Compositor.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Compositor.LeaseTTL)
	assert.Equal(t, 20*time.Minute, cfg.Watchdog.JobStallAfter)
	assert.Equal(t, 3, cfg.Watchdog.MaxConcurrentJobs)
	assert.InDelta(t, 0.25, cfg.Telemetry.SampleRatio, 1e-9)
}
