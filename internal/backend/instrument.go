package backend

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lvcoi/ytgate/internal/metrics"
)

type instrumented struct {
	Backend
}

// Instrument counts calls and streamed bytes for b.
func Instrument(b Backend) Backend {
	return &instrumented{Backend: b}
}

func (i *instrumented) FetchMetadata(ctx context.Context, rawURL string) (*Metadata, error) {
	md, err := i.Backend.FetchMetadata(ctx, rawURL)
	metrics.BackendRequests.WithLabelValues(i.Name(), "metadata", resultLabel(err)).Inc()
	return md, err
}

func (i *instrumented) StreamMedia(ctx context.Context, rawURL string, req MediaRequest) (*Media, error) {
	media, err := i.Backend.StreamMedia(ctx, rawURL, req)
	metrics.BackendRequests.WithLabelValues(i.Name(), "stream", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	media.Body = &countingBody{ReadCloser: media.Body, counter: metrics.DownloadBytes.WithLabelValues(i.Name())}
	return media, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(CategoryOf(err))
}

type countingBody struct {
	io.ReadCloser
	counter prometheus.Counter
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		c.counter.Add(float64(n))
	}
	return n, err
}
