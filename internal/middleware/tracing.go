package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"skillchat/internal/models"
	"skillchat/internal/observability"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// untracedPrefixes are probe and scrape endpoints hit on a fixed schedule.
var untracedPrefixes = []string{"/health", "/metrics"}

// spanName uses the matched route template, so it is only meaningful once the
// handler chain has run; before that it falls back to the raw path.
func spanName(c *fiber.Ctx, routed bool) string {
	if c.Path() == "/ws" {
		return "websocket.upgrade"
	}
	if routed {
		return fmt.Sprintf("%s %s", c.Method(), c.Route().Path)
	}
	return fmt.Sprintf("%s %s", c.Method(), c.Path())
}

// TracingMiddleware opens a server span per request, continuing any trace
// propagated by the caller. Conversation routes are tagged with the
// conversation id and failures carry the application error code.
func TracingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, prefix := range untracedPrefixes {
			if strings.HasPrefix(c.Path(), prefix) {
				return c.Next()
			}
		}

		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), propagation.HeaderCarrier(c.GetReqHeaders()))
		ctx, span := observability.Tracer.Start(ctx, spanName(c, false),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.path", c.Path()),
				attribute.String("http.ip", c.IP()),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		c.Locals("traceID", traceID)
		c.Set("X-Trace-ID", traceID)
		if requestID := c.Locals("requestid"); requestID != nil {
			span.SetAttributes(attribute.String("request.id", fmt.Sprintf("%v", requestID)))
		}
		c.SetUserContext(ctx)

		err := c.Next()

		span.SetName(spanName(c, true))
		// Route params are only resolved once the matching handler has run.
		if id, convErr := strconv.ParseUint(c.Params("id"), 10, 64); convErr == nil {
			span.SetAttributes(attribute.Int64("conversation.id", int64(id)))
		}
		if userID, ok := c.Locals("userID").(uint); ok {
			span.SetAttributes(attribute.Int64("user.id", int64(userID)))
		}

		status := c.Response().StatusCode()
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("app.error_code", models.ErrorCode(err)))
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = models.HTTPStatus(err)
			}
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, strconv.Itoa(status))
		}
		return err
	}
}
