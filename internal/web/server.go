// Package web serves the governed download API, the admin API and the
// embedded UI.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvcoi/ytgate/internal/backend"
	"github.com/lvcoi/ytgate/internal/clientip"
	"github.com/lvcoi/ytgate/internal/db"
	"github.com/lvcoi/ytgate/internal/governor"
	"github.com/lvcoi/ytgate/internal/metrics"
	"github.com/lvcoi/ytgate/internal/ws"
)

//go:embed assets/*
var embeddedAssets embed.FS

const maxRequestBodyBytes = 1 << 20 // 1 MiB

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 500
)

// Deps are the collaborators a Server needs. Hub and Audit are optional.
type Deps struct {
	Governor   *governor.Governor
	Backend    backend.Backend
	Resolver   *clientip.Resolver
	Hub        *ws.Hub
	Audit      *db.DB
	AdminToken string
	Log        *zap.SugaredLogger
}

type Server struct {
	gov        *governor.Governor
	backend    backend.Backend
	resolver   *clientip.Resolver
	hub        *ws.Hub
	audit      *db.DB
	adminToken string
	log        *zap.SugaredLogger

	assets    fs.FS
	startedAt time.Time
}

func New(d Deps) (*Server, error) {
	if d.Governor == nil {
		return nil, errors.New("web: governor is required")
	}
	if d.Backend == nil {
		return nil, errors.New("web: backend is required")
	}
	if d.Resolver == nil {
		d.Resolver = clientip.NewResolver(nil)
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	assets, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		return nil, err
	}
	return &Server{
		gov:        d.Governor,
		backend:    d.Backend,
		resolver:   d.Resolver,
		hub:        d.Hub,
		audit:      d.Audit,
		adminToken: d.AdminToken,
		log:        d.Log,
		assets:     assets,
		startedAt:  time.Now(),
	}, nil
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/info", s.governed(s.handleInfo))
	mux.HandleFunc("GET /api/download", s.governed(s.handleDownload))

	mux.HandleFunc("GET /api/admin/blocked", s.admin(s.handleAdminBlocked))
	mux.HandleFunc("GET /api/admin/sessions", s.admin(s.handleAdminSessions))
	mux.HandleFunc("GET /api/admin/stats", s.admin(s.handleAdminStats))
	mux.HandleFunc("POST /api/admin/block", s.admin(s.handleAdminBlock))
	mux.HandleFunc("POST /api/admin/unblock", s.admin(s.handleAdminUnblock))
	mux.HandleFunc("POST /api/admin/clear", s.admin(s.handleAdminClear))
	mux.HandleFunc("GET /api/admin/audit", s.admin(s.handleAdminAudit))
	mux.HandleFunc("GET /api/admin/events", s.adminWithQueryToken(s.handleAdminEvents))

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/", s.handleStatic)

	return s.withRequestID(s.withAccessLog(withSecurityHeaders(mux)))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.log.Infow("HTTP server listening", "addr", addr, "backend", s.backend.Name(), "admin", s.adminToken != "")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warnw("HTTP server shutdown incomplete", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" || name == "index.html" || !fileExists(s.assets, name) {
		serveIndex(w, s.assets)
		return
	}
	http.FileServer(http.FS(s.assets)).ServeHTTP(w, r)
}

type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *requestError {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "application/json" {
		return &requestError{http.StatusUnsupportedMediaType, "content type must be application/json"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &requestError{http.StatusRequestEntityTooLarge, "request body too large"}
		}
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	return nil
}

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Type: "error", Status: "error", Error: message})
}

func serveIndex(w http.ResponseWriter, assets fs.FS) {
	data, err := fs.ReadFile(assets, "index.html")
	if err != nil {
		http.Error(w, "missing index", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func fileExists(assets fs.FS, name string) bool {
	if name == "" {
		return false
	}
	f, err := assets.Open(name)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func parsePagination(r *http.Request, defaultLimit, maxLimit int) (offset int, limit int, err error) {
	offset = 0
	limit = defaultLimit

	q := r.URL.Query()
	if rawOffset := q.Get("offset"); rawOffset != "" {
		parsed, parseErr := strconv.Atoi(rawOffset)
		if parseErr != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid offset parameter")
		}
		offset = parsed
	}
	if rawLimit := q.Get("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed <= 0 {
			return 0, 0, fmt.Errorf("invalid limit parameter")
		}
		limit = min(parsed, maxLimit)
	}
	return offset, limit, nil
}
