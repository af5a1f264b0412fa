package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Telemetry wraps an http.Handler with otelhttp server instrumentation.
func Telemetry(next http.Handler) http.Handler {
	return otelhttp.NewMiddleware("ledgersync-api")(next)
}
