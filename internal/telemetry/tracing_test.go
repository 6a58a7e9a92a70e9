package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewExporterDisabled(t *testing.T) {
	for _, name := range []string{"", "none", " NONE "} {
		exp, err := newExporter(context.Background(), TraceConfig{Exporter: name})
		require.NoError(t, err)
		assert.Nil(t, exp)
	}
}

func TestNewExporterRejectsBadConfig(t *testing.T) {
	_, err := newExporter(context.Background(), TraceConfig{Exporter: "otlp"})
	assert.ErrorContains(t, err, "requires endpoint")

	_, err = newExporter(context.Background(), TraceConfig{Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unsupported trace exporter")
}

func TestSetupTracingDisabledInstallsPropagator(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "test"}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())
}

func TestSamplerDescription(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
