package web

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lvcoi/ytgate/internal/backend"
	"github.com/lvcoi/ytgate/internal/governor"
)

// rateLimitedResponse is written with 429 when the governor turns a client
// away.
type rateLimitedResponse struct {
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	Error            string          `json:"error"`
	Reason           governor.Reason `json:"reason"`
	RemainingMinutes int             `json:"remainingMinutes"`
}

// governed runs the admission check before next. Rejected clients never
// reach the backend.
func (s *Server) governed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := s.resolver.ClientIP(r)
		decision := s.gov.Admit(r.Context(), key)
		if decision.Allowed {
			next(w, r)
			return
		}

		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
		msg := "Too many requests. Please try again later."
		if decision.Reason == governor.ReasonBlocked {
			msg = "Too many requests. You are temporarily blocked."
		}
		writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
			Type:             "error",
			Status:           "error",
			Error:            msg,
			Reason:           decision.Reason,
			RemainingMinutes: decision.RemainingMinutes,
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

type statusResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	Backend       string `json:"backend"`
	ActiveWindows int    `json:"activeWindows"`
	ActiveBlocks  int    `json:"activeBlocks"`
	AdminEnabled  bool   `json:"adminEnabled"`
	EventClients  int    `json:"eventClients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:       "ok",
		Uptime:       time.Since(s.startedAt).Truncate(time.Second).String(),
		Backend:      s.backend.Name(),
		AdminEnabled: s.adminToken != "",
	}
	if stats, err := s.gov.Stats(r.Context()); err != nil {
		s.log.Warnw("Governor stats unavailable", "error", err)
		resp.Status = "degraded"
	} else {
		resp.ActiveWindows = stats.ActiveWindows
		resp.ActiveBlocks = stats.ActiveBlocks
	}
	if s.hub != nil {
		resp.EventClients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

type infoRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req infoRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	md, err := s.backend.FetchMetadata(r.Context(), req.URL)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	media, err := s.backend.StreamMedia(r.Context(), q.Get("url"), backend.MediaRequest{
		Format:  q.Get("format"),
		Quality: q.Get("quality"),
	})
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	defer media.Body.Close()

	h := w.Header()
	h.Set("Content-Type", media.ContentType)
	h.Set("Content-Disposition", contentDisposition(media.Filename))
	h.Set("Cache-Control", "no-store")
	if media.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(media.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, media.Body)
	if err != nil {
		// Headers are gone; all we can do is log and drop the connection.
		s.log.Warnw("Download aborted", "url", q.Get("url"), "bytes", n, "error", err, "request_id", requestIDFrom(r.Context()))
		return
	}
	s.log.Debugw("Download complete", "file", media.Filename, "bytes", n)
}

// statusForCategory maps backend failures onto HTTP statuses.
func statusForCategory(cat backend.Category) int {
	switch cat {
	case backend.CategoryInvalidURL:
		return http.StatusBadRequest
	case backend.CategoryUnavailable:
		return http.StatusNotFound
	case backend.CategoryUnsupported:
		return http.StatusUnsupportedMediaType
	case backend.CategoryNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	cat := backend.CategoryOf(err)
	status := statusForCategory(cat)
	msg := err.Error()
	if status >= 500 {
		s.log.Errorw("Backend request failed", "backend", s.backend.Name(), "category", cat, "error", err, "request_id", requestIDFrom(r.Context()))
		if status == http.StatusInternalServerError {
			msg = "internal error while processing the video"
		}
	}
	if r.Context().Err() != nil {
		// The client went away; nobody will read the body.
		return
	}
	writeJSONError(w, status, msg)
}

// contentDisposition builds an attachment header with an ASCII fallback and
// an RFC 5987 encoded UTF-8 name.
func contentDisposition(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('_')
		case r < 0x20 || r > 0x7e:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	fallback := b.String()
	if fallback == filename {
		return `attachment; filename="` + fallback + `"`
	}
	return `attachment; filename="` + fallback + `"; filename*=UTF-8''` + encodeExtValue(filename)
}

// encodeExtValue percent-encodes everything outside RFC 5987 attr-char.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
