package jsonrpc

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const (
	headerRequestID    = "X-Request-ID"
	headerResponseTime = "X-Response-Time"
)

// timingWriter stamps the request id and elapsed time before the status line
// goes out.
type timingWriter struct {
	http.ResponseWriter
	startedAt   time.Time
	requestID   string
	status      int
	wroteHeader bool
}

func (w *timingWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	header := w.Header()
	if w.requestID != "" {
		header.Set(headerRequestID, w.requestID)
	}
	header.Set(headerResponseTime, formatDuration(time.Since(w.startedAt)))
	w.ResponseWriter.WriteHeader(status)
}

func (w *timingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *timingWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		flusher.Flush()
	}
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timingWriter{
			ResponseWriter: w,
			startedAt:      time.Now(),
			requestID:      middleware.GetReqID(r.Context()),
			status:         http.StatusOK,
		}
		s.logger.Debug("request started", "request_id", tw.requestID, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(tw, r)
		s.logger.Info("request completed",
			"request_id", tw.requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", tw.status,
			"duration", formatDuration(time.Since(tw.startedAt)),
		)
	})
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "DENY")
		header.Set("X-XSS-Protection", "1; mode=block")
		header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		if !s.debug {
			header.Set("Content-Security-Policy", "default-src 'self'")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsHandler() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{headerRequestID, headerResponseTime},
		AllowCredentials: true,
		MaxAge:           600,
	})
}
