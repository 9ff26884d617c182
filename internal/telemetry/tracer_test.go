package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProvider_NoopByDefault(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_ExplicitNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: true, Exporter: "noop"})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTracer_ReturnsUsableTracer(t *testing.T) {
	tr := Tracer("audiopipe/test")
	_, span := tr.Start(context.Background(), "op")
	defer span.End()
	require.NotNil(t, span)
}
