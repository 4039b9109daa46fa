package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProxyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/info", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("url") {
		case testURL:
			_ = json.NewEncoder(w).Encode(Metadata{ID: "dQw4w9WgXcQ", Title: "Proxy Title", DurationSeconds: 212})
		case "https://www.youtube.com/watch?v=unavailable":
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"video not found"}`)
		default:
			http.Error(w, "bad url", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("POST /api/download", func(w http.ResponseWriter, r *http.Request) {
		var req proxyDownloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Format == FormatWebM {
			http.Error(w, "format not offered", http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(proxyDownloadResponse{
			URL:      "/files/" + req.Format + "?q=" + req.Quality,
			Filename: "Proxy: Title." + req.Format,
		})
	})
	mux.HandleFunc("GET /files/{format}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "11")
		_, _ = io.WriteString(w, "media-bytes")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProxyFetchMetadata(t *testing.T) {
	srv := newProxyServer(t)
	p, err := NewProxy(srv.URL+"/api/", 100, 5*time.Second, nil)
	require.NoError(t, err)

	md, err := p.FetchMetadata(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "Proxy Title", md.Title)
	assert.Equal(t, 212, md.DurationSeconds)

	_, err = p.FetchMetadata(context.Background(), "https://www.youtube.com/watch?v=unavailable")
	require.Error(t, err)
	assert.Equal(t, CategoryUnavailable, CategoryOf(err))
	assert.Contains(t, err.Error(), "video not found")
}

func TestProxyStreamMedia(t *testing.T) {
	srv := newProxyServer(t)
	p, err := NewProxy(srv.URL+"/api", 100, 5*time.Second, nil)
	require.NoError(t, err)

	media, err := p.StreamMedia(context.Background(), testURL, MediaRequest{Format: "m4a", Quality: "worst"})
	require.NoError(t, err)
	defer media.Body.Close()

	assert.Equal(t, "Proxy- Title.m4a", media.Filename)
	assert.Equal(t, "audio/mp4", media.ContentType)
	assert.Equal(t, int64(11), media.Size)
	body, err := io.ReadAll(media.Body)
	require.NoError(t, err)
	assert.Equal(t, "media-bytes", string(body))

	_, err = p.StreamMedia(context.Background(), testURL, MediaRequest{Format: "webm"})
	assert.Equal(t, CategoryUnsupported, CategoryOf(err))
}

func TestProxyStatusMapping(t *testing.T) {
	cases := map[int]Category{
		400: CategoryInvalidURL,
		404: CategoryUnavailable,
		410: CategoryUnavailable,
		415: CategoryUnsupported,
		422: CategoryUnsupported,
		429: CategoryNetwork,
		502: CategoryNetwork,
		504: CategoryNetwork,
		500: CategoryBackend,
		418: CategoryBackend,
	}
	for code, want := range cases {
		resp := &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader("nope"))}
		err := proxyStatusError(resp)
		assert.Equal(t, want, CategoryOf(err), "status %d", code)
		assert.Contains(t, err.Error(), "nope")
	}
}

func TestProxyRateLimitHonoursContext(t *testing.T) {
	srv := newProxyServer(t)
	p, err := NewProxy(srv.URL+"/api", 0.001, 5*time.Second, nil)
	require.NoError(t, err)

	// The first call spends the only token.
	_, err = p.FetchMetadata(context.Background(), testURL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.FetchMetadata(ctx, testURL)
	require.Error(t, err)
	assert.Equal(t, CategoryNetwork, CategoryOf(err))
}

func TestNewProxyRejectsBadBaseURL(t *testing.T) {
	for _, base := range []string{"", "ftp://host", "not a url", "http://"} {
		_, err := NewProxy(base, 1, time.Second, nil)
		assert.Error(t, err, base)
	}
}
