package web

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/lvcoi/ytgate/internal/governor"
)

// admin guards next with the bearer admin token. Without a configured token
// the admin surface does not exist.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return s.adminAuth(next, false)
}

// adminWithQueryToken also accepts ?token=, for browser WebSocket clients
// that cannot set headers.
func (s *Server) adminWithQueryToken(next http.HandlerFunc) http.HandlerFunc {
	return s.adminAuth(next, true)
}

func (s *Server) adminAuth(next http.HandlerFunc, allowQuery bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		token, ok := bearerToken(r)
		if !ok && allowQuery {
			token, ok = r.URL.Query().Get("token"), true
		}
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ytgate-admin"`)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		actor := "admin@" + s.resolver.ClientIP(r)
		next(w, r.WithContext(governor.ContextWithActor(r.Context(), actor)))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type blockedResponse struct {
	Blocked []governor.BlockInfo `json:"blocked"`
	Count   int                  `json:"count"`
}

type sessionsResponse struct {
	Sessions []governor.SessionInfo `json:"sessions"`
	Count    int                    `json:"count"`
}

func (s *Server) handleAdminBlocked(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.gov.ListBlocked(r.Context())
	if err != nil {
		s.writeGovernorError(w, err)
		return
	}
	if blocked == nil {
		blocked = []governor.BlockInfo{}
	}
	writeJSON(w, http.StatusOK, blockedResponse{Blocked: blocked, Count: len(blocked)})
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.gov.ListSessions(r.Context())
	if err != nil {
		s.writeGovernorError(w, err)
		return
	}
	if sessions == nil {
		sessions = []governor.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gov.Stats(r.Context())
	if err != nil {
		s.writeGovernorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type blockRequest struct {
	IP              string `json:"ip"`
	DurationMinutes int    `json:"durationMinutes"`
}

type unblockRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleAdminBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	key, ok := normalizeIP(req.IP)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "ip must be a valid IPv4 or IPv6 address")
		return
	}
	if req.DurationMinutes < 0 {
		writeJSONError(w, http.StatusBadRequest, "durationMinutes must not be negative")
		return
	}
	d := s.gov.Config().BlockDuration
	if req.DurationMinutes > 0 {
		d = time.Duration(req.DurationMinutes) * time.Minute
	}

	info, err := s.gov.BlockIP(r.Context(), key, d)
	if err != nil {
		s.writeGovernorError(w, err)
		return
	}
	s.log.Infow("Admin blocked client", "ip", key, "until", info.UnblockAt, "actor", governor.ActorFromContext(r.Context()))
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAdminUnblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	key, ok := normalizeIP(req.IP)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "ip must be a valid IPv4 or IPv6 address")
		return
	}
	if err := s.gov.UnblockIP(r.Context(), key); err != nil {
		s.writeGovernorError(w, err)
		return
	}
	s.log.Infow("Admin unblocked client", "ip", key, "actor", governor.ActorFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"ip": key, "unblocked": true})
}

func (s *Server) handleAdminClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.gov.ClearAllBlocks(r.Context())
	if err != nil {
		s.writeGovernorError(w, err)
		return
	}
	s.log.Infow("Admin cleared all blocks", "cleared", n, "actor", governor.ActorFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotFound, "audit log is disabled")
		return
	}
	offset, limit, err := parsePagination(r, defaultAuditLimit, maxAuditLimit)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.audit.ListEvents(r.Context(), limit, offset)
	if err != nil {
		s.log.Errorw("Failed to list audit events", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	total, err := s.audit.Count(r.Context())
	if err != nil {
		s.log.Errorw("Failed to count audit events", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSONError(w, http.StatusNotFound, "event stream is disabled")
		return
	}
	s.hub.HandleWS(w, r)
}

func (s *Server) writeGovernorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, governor.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "ip is not blocked")
	case errors.Is(err, governor.ErrInvalidDuration):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Errorw("Governor store failure", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "governor store unavailable")
	}
}

// normalizeIP canonicalises an address so admin actions hit the same key the
// resolver produced. The "unknown" bucket is addressable too.
func normalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == governor.UnknownKey {
		return raw, true
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", false
	}
	return addr.Unmap().WithZone("").String(), true
}
