// Package exporters provides HTTP and SSE exporters for metrics.
package exporters

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smazurov/mediagraph/internal/logging"
)

// HTTPHandler returns the Prometheus metrics HTTP handler serving every
// promauto-registered engine metric. Scrape errors are logged and the
// remaining metrics still served.
func HTTPHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog:          promLogger{},
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// promLogger adapts promhttp error logging to slog.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	logging.GetLogger("metrics").Warn("Metrics scrape error", "error", fmt.Sprint(v...))
}
