package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := Init(context.Background(), "transferq-test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer())
}

func TestParseSampleRate(t *testing.T) {
	t.Setenv("OTEL_TRACE_SAMPLE_RATE", "0.5")
	assert.Equal(t, 0.5, parseSampleRate())

	t.Setenv("OTEL_TRACE_SAMPLE_RATE", "2")
	assert.Equal(t, 0.1, parseSampleRate())

	t.Setenv("OTEL_TRACE_SAMPLE_RATE", "")
	assert.Equal(t, 0.1, parseSampleRate())
}
