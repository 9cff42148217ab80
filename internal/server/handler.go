package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gezibash/luahttp/internal/accesslog"
	"github.com/gezibash/luahttp/internal/observability"
	"github.com/gezibash/luahttp/internal/script"
)

const (
	bodyInternalError  = "Internal Error"
	bodyGatewayTimeout = "Gateway Timeout"
)

// Dispatcher runs the script for one request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *script.Request) (*script.Response, error)
}

// HandlerConfig configures NewHandler. All fields are optional.
type HandlerConfig struct {
	// Timeout bounds how long a request waits for its script call.
	// Zero waits indefinitely.
	Timeout   time.Duration
	Metrics   *observability.Metrics
	AccessLog accesslog.Sink
	Logger    *slog.Logger
}

// Handler turns HTTP requests into script calls.
type Handler struct {
	dispatcher Dispatcher
	timeout    time.Duration
	metrics    *observability.Metrics
	sink       accesslog.Sink
	logger     *slog.Logger
}

func NewHandler(d Dispatcher, cfg HandlerConfig) *Handler {
	m := cfg.Metrics
	if m == nil {
		m = observability.NewMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: d,
		timeout:    cfg.Timeout,
		metrics:    m,
		sink:       cfg.AccessLog,
		logger:     logger.With("component", "http"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := uuid.NewString()

	ch, ok := connFromContext(r.Context())
	if !ok {
		ch = &connHandler{remoteAddr: r.RemoteAddr, dispatcher: h.dispatcher}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("request.id", id))

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	resp, err := ch.dispatcher.Dispatch(ctx, script.NewRequest(ch.remoteAddr, requestHeader(r)))

	var status int
	if err != nil {
		status = h.writeError(w, r, id, ch.remoteAddr, err)
	} else {
		status = resp.Status
		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.Status)
		if _, werr := w.Write(resp.Body); werr != nil {
			h.logger.DebugContext(r.Context(), "write response", "request_id", id, "error", werr)
		}
	}

	duration := time.Since(start)
	h.logger.DebugContext(r.Context(), "request served",
		"request_id", id,
		"remote_addr", ch.remoteAddr,
		"status", status,
		"duration", duration,
	)
	h.appendAccessLog(r, accesslog.Record{
		ID:         id,
		Time:       start,
		RemoteAddr: ch.remoteAddr,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		Duration:   duration,
		Error:      script.ErrorKind(err),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, id, remoteAddr string, err error) int {
	kind := script.ErrorKind(err)
	h.metrics.ErrorsTotal.WithLabelValues("dispatch", kind).Inc()

	status, body := http.StatusInternalServerError, bodyInternalError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, body = http.StatusGatewayTimeout, bodyGatewayTimeout
		if errors.Is(err, script.ErrAbandoned) {
			h.metrics.AbandonedTotal.Inc()
			h.logger.WarnContext(r.Context(), "script call abandoned after timeout",
				"request_id", id, "remote_addr", remoteAddr, "timeout", h.timeout)
		} else {
			h.logger.WarnContext(r.Context(), "script call timed out before it started",
				"request_id", id, "remote_addr", remoteAddr, "timeout", h.timeout)
		}
	case errors.Is(err, context.Canceled):
		h.logger.DebugContext(r.Context(), "client went away",
			"request_id", id, "remote_addr", remoteAddr)
	default:
		h.logger.ErrorContext(r.Context(), "script call failed",
			"request_id", id, "remote_addr", remoteAddr, "kind", kind, "error", err)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
	return status
}

func (h *Handler) appendAccessLog(r *http.Request, rec accesslog.Record) {
	if h.sink == nil {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	if err := h.sink.Append(ctx, rec); err != nil {
		h.metrics.ErrorsTotal.WithLabelValues("accesslog", "append").Inc()
		h.logger.WarnContext(ctx, "access log append failed", "request_id", rec.ID, "error", err)
	}
}

// requestHeader returns the inbound headers with Host restored; net/http
// moves it out of r.Header.
func requestHeader(r *http.Request) http.Header {
	if r.Host == "" || r.Header.Get("Host") != "" {
		return r.Header
	}
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Host", r.Host)
	return header
}
