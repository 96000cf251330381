package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitNone(t *testing.T) {
	for _, exporter := range []string{"", "none", " NONE "} {
		shutdown, err := Init(context.Background(), "swarm-test", Config{Exporter: exporter})
		require.NoError(t, err)
		require.NotNil(t, shutdown)

		_, span := StartSpan(context.Background(), "noop")
		assert.False(t, span.IsRecording())
		span.End()
		assert.NoError(t, shutdown(context.Background()))
	}
}

func TestInitStdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), "swarm-test", Config{Exporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)

	ctx, parent := StartSpan(context.Background(), "job.submit", attribute.String("jobID", "job-1"))
	_, child := StartSpan(ctx, "batch.dispatch")
	End(child, errors.New("boom"))
	End(parent, nil)

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "job.submit")
	assert.Contains(t, out, "batch.dispatch")
	assert.Contains(t, out, "boom")

	// 回到 no-op 避免影響其他測試
	_, err = Init(context.Background(), "swarm-test", Config{})
	require.NoError(t, err)
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), "swarm-test", Config{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		assert.Contains(t, sampler(tt.ratio).Description(), tt.want)
	}
}
