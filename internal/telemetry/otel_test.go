package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/scribeflow/config"
)

func TestInitTracer_Stdout(t *testing.T) {
	shutdown, err := InitTracer("scribeflow", "test", &config.Config{OTELExporterType: "stdout"})
	require.NoError(t, err)
	defer shutdown()

	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracer_None(t *testing.T) {
	shutdown, err := InitTracer("scribeflow", "test", &config.Config{OTELExporterType: "none"})
	require.NoError(t, err)
	shutdown()

	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	assert.False(t, span.SpanContext().IsValid())
}

func TestInitTracer_Unknown(t *testing.T) {
	_, err := InitTracer("scribeflow", "test", &config.Config{OTELExporterType: "zipkin"})
	assert.Error(t, err)
}
