package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansWithoutExporter(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, DefaultConfig())
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	rec := tracetest.NewSpanRecorder()
	p.TracerProvider().RegisterSpanProcessor(rec)

	ctx, parent := StartSpan(ctx, "produce", BatchAttrs("batch-1", 3)...)
	_, child := StartSpan(ctx, "submit")
	EndSpan(child, errors.New("anchor down"))
	EndSpan(parent, nil)

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "submit", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, ended[1].SpanContext().TraceID(), ended[0].SpanContext().TraceID())
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
	assert.Len(t, ended[1].Attributes(), 2)
}
