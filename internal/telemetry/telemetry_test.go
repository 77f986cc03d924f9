package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupWithoutCollector(t *testing.T) {
	shutdown, err := Setup(context.Background(), "ledgercore-test", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.False(t, isSDK)
}

func TestSetupInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// the exporter connects lazily, so an unreachable collector is fine here
	shutdown, err := Setup(context.Background(), "ledgercore-test", "127.0.0.1:1")
	require.NoError(t, err)

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	// skip the flush against the unreachable collector
	done, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(done)
}
