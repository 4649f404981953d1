package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"skillchat/internal/models"
	"skillchat/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := observability.Tracer
	observability.Tracer = tp.Tracer("test")
	t.Cleanup(func() { observability.Tracer = prev })
	return rec
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracingMiddleware(t *testing.T) {
	rec := recordSpans(t)

	app := fiber.New()
	app.Use(TracingMiddleware())
	app.Get("/health/live", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	app.Get("/api/conversations/:id/messages", func(c *fiber.Ctx) error {
		c.Locals("userID", uint(5))
		return c.SendStatus(http.StatusOK)
	})
	app.Get("/api/boom", func(c *fiber.Ctx) error {
		return models.NewUnavailableError("store down", nil)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("X-Trace-ID"))
	assert.Empty(t, rec.Ended())

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/conversations/42/messages", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	_, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/boom", nil))
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	history := spans[0]
	assert.Equal(t, "GET /api/conversations/:id/messages", history.Name())
	a := attrs(history)
	assert.Equal(t, int64(42), a["conversation.id"].AsInt64())
	assert.Equal(t, int64(5), a["user.id"].AsInt64())
	assert.Equal(t, int64(http.StatusOK), a["http.status_code"].AsInt64())
	assert.NotEqual(t, codes.Error, history.Status().Code)

	boom := spans[1]
	a = attrs(boom)
	assert.Equal(t, models.CodeUnavailable, a["app.error_code"].AsString())
	assert.Equal(t, int64(http.StatusServiceUnavailable), a["http.status_code"].AsInt64())
	assert.Equal(t, codes.Error, boom.Status().Code)
}
