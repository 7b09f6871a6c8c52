package server

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// middleware is a function that wraps an http.Handler.
type middleware func(http.Handler) http.Handler

// chain applies multiple middleware in order.
func chain(h http.Handler, mw ...middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// recoveryMiddleware turns handler panics into 500 responses.
func recoveryMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.ErrorContext(r.Context(), "panic recovered",
						slog.Any("err", err),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// gzipMiddleware compresses responses when the client accepts gzip. The live
// reload stream is exempt: its events must reach the browser on every flush,
// and gzip buffering would hold them back.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") || isEventStream(r) {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzip.NewWriter(w)
		defer func() {
			if err := gz.Close(); err != nil {
				slog.Error("close gzip writer failed", slog.Any("err", err))
			}
		}()

		next.ServeHTTP(&compressWriter{ResponseWriter: w, gz: gz}, r)
	})
}

func isEventStream(r *http.Request) bool {
	if r.URL.Path == "/events" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

type compressWriter struct {
	http.ResponseWriter
	gz            io.Writer
	headerWritten bool
}

func (w *compressWriter) WriteHeader(statusCode int) {
	if !w.headerWritten {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		w.headerWritten = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *compressWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.gz.Write(b)
}

// Flush implements http.Flusher.
func (w *compressWriter) Flush() {
	if f, ok := w.gz.(*gzip.Writer); ok {
		if err := f.Flush(); err != nil {
			slog.Error("flush gzip writer failed", slog.Any("err", err))
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware logs one line per request. Page and API traffic is only
// logged in verbose mode; the reload stream is never logged since it stays
// open for the whole session.
func loggingMiddleware(logger *slog.Logger, verbose bool) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !verbose || isEventStream(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("bytes", rec.written),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *responseRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (w *responseRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
