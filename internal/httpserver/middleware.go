package httpserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "github.com/skobkin/resgov/internal/httpserver"
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 64
)

type requestLoggerKey struct{}

var errNoHijack = errors.New("httpserver: response writer does not support hijacking")

// statusRecorder remembers the status and body size written by a handler.
// It forwards Flush and Hijack so websocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *statusRecorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}
	// Hijacked connections report 101 in the access log.
	rec.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// instrument assigns a request ID, opens a server span, recovers handler
// panics and writes one access log line per request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("resgov.request_id", reqID),
			),
		)
		defer span.End()

		logger := s.logger.With("req_id", reqID, "method", r.Method, "path", r.URL.Path)
		if r.RemoteAddr != "" {
			logger = logger.With("remote_addr", r.RemoteAddr)
		}
		ctx = context.WithValue(ctx, requestLoggerKey{}, logger)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger.Error("handler panic", "panic", p)
				span.SetStatus(codes.Error, "panic")
				if rec.status == 0 {
					http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}

			status := rec.code()
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			logger.Log(ctx, accessLogLevel(r.URL.Path, status), "request complete",
				"status", status,
				"duration", time.Since(start),
				"bytes", rec.bytes,
			)
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

// accessLogLevel keeps probe and scrape traffic out of the default log.
func accessLogLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case path == "/metrics", strings.HasSuffix(path, "healthz"), strings.HasSuffix(path, "readyz"):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(requestLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return s.logger
}
