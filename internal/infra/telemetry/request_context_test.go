package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStartRequestGeneratesID(t *testing.T) {
	ctx, meta := StartRequest(context.Background(), "http", nil)
	require.NotEmpty(t, meta.RequestID)

	got, ok := RequestMetaFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, meta.RequestID, got.RequestID)
	require.Equal(t, "http", got.Transport)
}

func TestStartRequestHonoursHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set(RequestIDHeader, "req-123")

	_, meta := StartRequest(context.Background(), "http", req)
	require.Equal(t, "req-123", meta.RequestID)
}

func TestStartRequestCarriesTrace(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0123456789abcdef")
	require.NoError(t, err)
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	_, meta := StartRequest(ctx, "ws", nil)
	require.Equal(t, traceID.String(), meta.TraceID)
	require.Equal(t, spanID.String(), meta.SpanID)
}

func TestLoggerWithRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithRequestMeta(context.Background(), RequestMeta{RequestID: "req-1", Transport: "ws"})

	LoggerWithRequest(ctx, zap.New(core)).Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "req-1", fields[FieldRequestID])
	require.Equal(t, "ws", fields["transport"])
}

func TestLoggerWithRequest_NilLogger(t *testing.T) {
	require.NotNil(t, LoggerWithRequest(context.Background(), nil))
}
