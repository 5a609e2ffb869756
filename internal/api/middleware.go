package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/mediagraph/internal/logging"
)

// requestLogging logs HTTP requests with a level chosen from the status
// code. Requests addressing an instance carry the session and instance
// attributes, so they show up in that instance's log stream.
func requestLogging(sessionID func() string) func(huma.Context, func(huma.Context)) {
	logger := logging.GetLogger("http")
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()
		method := ctx.Method()

		attrs := []slog.Attr{
			slog.String("method", method),
			slog.String("path", ctx.URL().Path),
			slog.String("remote_addr", ctx.RemoteAddr()),
		}
		if query := ctx.URL().RawQuery; query != "" {
			attrs = append(attrs, slog.String("query", redactAuth(query)))
		}
		if id := ctx.Param("id"); id != "" {
			attrs = append(attrs, slog.String("session", sessionID()), slog.String("instance", id))
		}

		next(ctx)

		status := ctx.Status()
		attrs = append(attrs,
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)

		level := slog.LevelInfo
		message := "HTTP request completed"
		switch {
		case method == http.MethodOptions:
			level = slog.LevelDebug
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case strings.HasPrefix(ctx.Header("Accept"), "text/event-stream"):
			level = slog.LevelDebug
			message = "Event stream closed"
		}
		logger.LogAttrs(ctx.Context(), level, message, attrs...)
	}
}

// redactAuth hides the credentials SSE clients pass in the auth query
// parameter.
func redactAuth(query string) string {
	parts := strings.Split(query, "&")
	for i, p := range parts {
		if strings.HasPrefix(p, "auth=") {
			parts[i] = "auth=REDACTED"
		}
	}
	return strings.Join(parts, "&")
}
