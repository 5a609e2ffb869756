package api

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// CORSConfig holds CORS configuration. An AllowOrigins entry of "*"
// admits any origin; otherwise the request Origin is echoed back only when
// listed.
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int
}

// DefaultCORSConfig returns the CORS config for a graph inspector UI served
// from origins. Without origins any origin is admitted.
func DefaultCORSConfig(origins ...string) CORSConfig {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders: []string{"Content-Type", "Authorization", "Accept", "Origin", "Last-Event-ID"},
		MaxAge:       86400,
	}
}

type corsHeaders struct {
	origins []string
	methods string
	headers string
	maxAge  string
}

func (c CORSConfig) compile() corsHeaders {
	return corsHeaders{
		origins: c.AllowOrigins,
		methods: strings.Join(c.AllowMethods, ", "),
		headers: strings.Join(c.AllowHeaders, ", "),
		maxAge:  strconv.Itoa(c.MaxAge),
	}
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not admitted.
func (h corsHeaders) allowOrigin(origin string) string {
	if slices.Contains(h.origins, "*") {
		return "*"
	}
	if origin != "" && slices.Contains(h.origins, origin) {
		return origin
	}
	return ""
}

func (h corsHeaders) write(origin string, set func(key, value string)) {
	allow := h.allowOrigin(origin)
	if allow != "*" {
		set("Vary", "Origin")
	}
	if allow == "" {
		return
	}
	set("Access-Control-Allow-Origin", allow)
	set("Access-Control-Allow-Methods", h.methods)
	set("Access-Control-Allow-Headers", h.headers)
	set("Access-Control-Max-Age", h.maxAge)
}

// NewCORSMiddleware creates CORS middleware with the given configuration
func NewCORSMiddleware(config CORSConfig) func(huma.Context, func(huma.Context)) {
	h := config.compile()
	return func(ctx huma.Context, next func(huma.Context)) {
		h.write(ctx.Header("Origin"), ctx.SetHeader)
		if ctx.Method() == http.MethodOptions {
			ctx.SetStatus(http.StatusNoContent)
			return
		}
		next(ctx)
	}
}

// AddCORSHandler adds a CORS preflight handler to the mux for OPTIONS requests
// This is needed because Huma middleware doesn't intercept OPTIONS before routing
func AddCORSHandler(mux *http.ServeMux, config CORSConfig) {
	h := config.compile()
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		h.write(r.Header.Get("Origin"), w.Header().Set)
		w.WriteHeader(http.StatusNoContent)
	})
}
