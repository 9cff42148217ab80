// Package middleware composes http.Handler wrappers around the script handler.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gezibash/luahttp/internal/observability"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain wraps h with mws. The first middleware is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Instrument adapts observability.InstrumentHandler to a Middleware.
func Instrument(m *observability.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return observability.InstrumentHandler(m, next)
	}
}

// Recover turns a panic in next into a 500 response. http.ErrAbortHandler
// is re-raised so net/http can abort the connection.
func Recover(logger *slog.Logger, m *observability.Metrics) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				if m != nil {
					m.ErrorsTotal.WithLabelValues("http", "panic").Inc()
				}
				logger.ErrorContext(r.Context(), "handler panic",
					"error", fmt.Sprint(rec),
					"remote_addr", r.RemoteAddr,
					"stack", string(debug.Stack()),
				)
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("Internal Error"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
