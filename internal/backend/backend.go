// Package backend fetches YouTube metadata and media. Several implementations
// share one interface so the HTTP layer and the CLI never care which one is
// configured:
//
//   - library: the kkdai/youtube Go client, with ffmpeg for mp3
//   - binary:  a local yt-dlp executable
//   - proxy:   a remote download API over HTTP
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Backend interface {
	Name() string
	FetchMetadata(ctx context.Context, rawURL string) (*Metadata, error)
	// StreamMedia opens the requested rendition. The caller must Close the
	// returned Media body.
	StreamMedia(ctx context.Context, rawURL string, req MediaRequest) (*Media, error)
}

type Metadata struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	DurationSeconds int      `json:"durationSeconds"`
	Views           int      `json:"views,omitempty"`
	Thumbnail       string   `json:"thumbnail,omitempty"`
	Description     string   `json:"description,omitempty"`
	Formats         []Format `json:"formats"`
}

type Format struct {
	ID        string `json:"id"`
	MimeType  string `json:"mimeType,omitempty"`
	Ext       string `json:"ext"`
	Quality   string `json:"quality,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Bitrate   int    `json:"bitrate,omitempty"`
	AudioOnly bool   `json:"audioOnly,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Media is an open download. Size is -1 when unknown.
type Media struct {
	Body        io.ReadCloser
	Size        int64
	Filename    string
	ContentType string
}

const (
	FormatMP4  = "mp4"
	FormatWebM = "webm"
	FormatMP3  = "mp3"
	FormatM4A  = "m4a"

	QualityBest  = "best"
	QualityWorst = "worst"
)

type MediaRequest struct {
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

// Normalize fills defaults and rejects unknown formats or qualities.
func (r MediaRequest) Normalize() (MediaRequest, error) {
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	r.Quality = strings.ToLower(strings.TrimSpace(r.Quality))
	if r.Format == "" {
		r.Format = FormatMP4
	}
	switch r.Format {
	case FormatMP4, FormatWebM, FormatMP3, FormatM4A:
	default:
		return r, wrapCategory(CategoryUnsupported, fmt.Errorf("unsupported format %q", r.Format))
	}
	if r.Quality == "" {
		r.Quality = QualityBest
	}
	if r.Quality != QualityBest && r.Quality != QualityWorst && r.MaxHeight() <= 0 {
		return r, wrapCategory(CategoryUnsupported, fmt.Errorf("unsupported quality %q", r.Quality))
	}
	return r, nil
}

func (r MediaRequest) AudioOnly() bool {
	return r.Format == FormatMP3 || r.Format == FormatM4A
}

// MaxHeight parses qualities such as "720p". It returns 0 for best/worst.
func (r MediaRequest) MaxHeight() int {
	q := strings.TrimSuffix(r.Quality, "p")
	if q == r.Quality {
		return 0
	}
	h, err := strconv.Atoi(q)
	if err != nil || h <= 0 {
		return 0
	}
	return h
}

type Options struct {
	Kind         string
	YTDLPPath    string
	ProxyBaseURL string
	ProxyRate    float64
	Timeout      time.Duration
	CacheTTL     time.Duration
	Log          *zap.SugaredLogger
}

// New builds the configured backend, wrapped with metadata coalescing and
// metrics.
func New(opts Options) (Backend, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}

	var b Backend
	switch opts.Kind {
	case "", "library":
		b = NewLibrary(opts.Timeout, opts.Log)
	case "binary":
		bin, err := NewBinary(opts.YTDLPPath, opts.Timeout, opts.Log)
		if err != nil {
			return nil, err
		}
		b = bin
	case "proxy":
		p, err := NewProxy(opts.ProxyBaseURL, opts.ProxyRate, opts.Timeout, opts.Log)
		if err != nil {
			return nil, err
		}
		b = p
	default:
		return nil, errors.New("unknown backend " + strconv.Quote(opts.Kind))
	}
	return NewCoalescing(Instrument(b), opts.CacheTTL), nil
}
