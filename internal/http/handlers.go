package http

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"parcelgate/internal/cadastre"
	"parcelgate/internal/config"
	"parcelgate/internal/mrs"
)

// maxRequestBody matches the 1kb body limit MRS clients are built against.
const maxRequestBody = 1024

// Service is the MRS core the handlers delegate to.
type Service interface {
	Handle(ctx context.Context, req mrs.Request) (*mrs.Response, error)
	Object(ctx context.Context, id string) (*cadastre.Parcel, error)
}

type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	service   Service
	boundary  *geojson.Feature
	staticDir string
}

func New(config *config.Config, logger *zap.Logger, service Service, boundary *geojson.Feature) *Handlers {
	return &Handlers{
		config:    config,
		logger:    logger,
		service:   service,
		boundary:  boundary,
		staticDir: "public",
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin == "" {
				allowedOrigin = "*"
			} else if origin == "http://"+host || origin == "https://"+host {
				allowedOrigin = origin
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleMRS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, &httpError{status: http.StatusMethodNotAllowed})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	req, err := mrs.DecodeRequest(r.Body)
	if err != nil {
		h.writeError(w, classify(err))
		return
	}

	resp, err := h.service.Handle(r.Context(), req)
	if err != nil {
		herr := classify(err)
		if herr.status >= http.StatusInternalServerError {
			h.logger.Error("MRS request failed", zap.Error(err))
		}
		h.writeError(w, herr)
		return
	}

	h.writeJSON(w, "application/json", resp)
}

func (h *Handlers) HandleObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.writeError(w, &httpError{status: http.StatusMethodNotAllowed})
		return
	}

	id := strings.Split(strings.TrimPrefix(r.URL.Path, "/object/"), "/")[0]
	if id == "" {
		h.writeError(w, &httpError{status: http.StatusNotFound})
		return
	}

	parcel, err := h.service.Object(r.Context(), id)
	if err != nil {
		herr := classify(err)
		if herr.status >= http.StatusInternalServerError {
			h.logger.Error("Failed to read object", zap.String("id", id), zap.Error(err))
		}
		h.writeError(w, herr)
		return
	}

	h.writeJSON(w, "application/geo+json", parcel.Feature())
}

func (h *Handlers) HandleBoundary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.writeError(w, &httpError{status: http.StatusMethodNotAllowed})
		return
	}
	if h.boundary == nil {
		h.writeError(w, &httpError{status: http.StatusNotFound})
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=86400")
	h.writeJSON(w, "application/geo+json", h.boundary)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	}

	filePath := filepath.Join(h.staticDir, path)

	if !strings.HasPrefix(filepath.Clean(filePath), filepath.Clean(h.staticDir)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// index.html carries a placeholder for the public base URL
	if path == "/index.html" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		content := strings.ReplaceAll(string(data), "__PUBLIC_BASE_URL__", h.config.PublicBaseURL)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(content))
		return
	}

	http.ServeFile(w, r, filePath)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, contentType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
		h.writeError(w, &httpError{status: http.StatusInternalServerError})
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, herr *httpError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.status)
	json.NewEncoder(w).Encode(herr.payload())
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

var _ Service = (*mrs.Orchestrator)(nil)
