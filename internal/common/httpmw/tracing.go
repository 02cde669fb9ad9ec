package httpmw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/tracing"
)

// OtelTracing starts a server span per request. Routes carrying a
// :language parameter are tagged with the kernel they address; websocket
// upgrades are tagged so long-lived stream spans can be told apart.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			),
		)
		defer span.End()

		if language := c.Param("language"); language != "" {
			span.SetAttributes(attribute.String(tracing.AttrLanguage, language))
		}
		if c.GetHeader("Upgrade") == "websocket" {
			span.SetAttributes(attribute.Bool("hydrogen.stream", true))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if id, ok := c.Request.Context().Value(logger.RequestIDKey).(string); ok {
			span.SetAttributes(attribute.String("hydrogen.request_id", id))
		}

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(status))
		}
	}
}
