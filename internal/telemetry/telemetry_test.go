package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestEndSpan_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.NotEmpty(t, TraceID(ctx))
	EndSpan(span, errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	require.NotNil(t, m)
	Inc(context.Background(), m.TicketsIssued, "evt")
}
