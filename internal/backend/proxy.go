package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Proxy delegates to a remote download API:
//
//	GET  {base}/info?url=...             -> Metadata JSON
//	POST {base}/download {url,format,quality} -> {url, filename, contentType}
//
// and then streams the returned direct URL. Every outbound request waits on
// a shared token bucket so a burst of our clients cannot trip the upstream's
// own limits.
type Proxy struct {
	base    *url.URL
	api     *http.Client
	media   *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

var _ Backend = (*Proxy)(nil)

func NewProxy(baseURL string, perSecond float64, timeout time.Duration, log *zap.SugaredLogger) (*Proxy, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid proxy base URL %q", baseURL)
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	burst := int(math.Ceil(perSecond))
	return &Proxy{
		base:    base,
		api:     newHTTPClient(timeout),
		media:   newHTTPClient(0),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		log:     log,
	}, nil
}

func (p *Proxy) Name() string { return "proxy" }

func (p *Proxy) FetchMetadata(ctx context.Context, rawURL string) (*Metadata, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	endpoint := p.endpoint("info")
	endpoint.RawQuery = url.Values{"url": {u}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, wrapCategory(CategoryBackend, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.do(ctx, p.api, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var md Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&md); err != nil {
		return nil, wrapCategory(CategoryBackend, fmt.Errorf("decoding proxy metadata: %w", err))
	}
	return &md, nil
}

type proxyDownloadRequest struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

type proxyDownloadResponse struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

func (p *Proxy) StreamMedia(ctx context.Context, rawURL string, mr MediaRequest) (*Media, error) {
	mr, err := mr.Normalize()
	if err != nil {
		return nil, err
	}
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(proxyDownloadRequest{URL: u, Format: mr.Format, Quality: mr.Quality})
	if err != nil {
		return nil, wrapCategory(CategoryBackend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("download").String(), bytes.NewReader(body))
	if err != nil {
		return nil, wrapCategory(CategoryBackend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.do(ctx, p.api, req)
	if err != nil {
		return nil, err
	}
	var dl proxyDownloadResponse
	err = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&dl)
	resp.Body.Close()
	if err != nil {
		return nil, wrapCategory(CategoryBackend, fmt.Errorf("decoding proxy download: %w", err))
	}
	if dl.URL == "" {
		return nil, wrapCategory(CategoryBackend, errors.New("proxy returned no download url"))
	}
	direct, err := p.base.Parse(dl.URL)
	if err != nil || (direct.Scheme != "http" && direct.Scheme != "https") {
		return nil, wrapCategory(CategoryBackend, fmt.Errorf("proxy returned an invalid download url %q", dl.URL))
	}

	mediaReq, err := http.NewRequestWithContext(ctx, http.MethodGet, direct.String(), nil)
	if err != nil {
		return nil, wrapCategory(CategoryBackend, err)
	}
	mediaResp, err := p.do(ctx, p.media, mediaReq)
	if err != nil {
		return nil, err
	}

	filename := mediaFilename(strings.TrimSuffix(dl.Filename, "."+mr.Format), mr.Format)
	contentType := dl.ContentType
	if contentType == "" {
		contentType = ContentTypeForExt(mr.Format)
	}
	size := mediaResp.ContentLength
	if size <= 0 {
		size = -1
	}
	p.log.Debugw("Proxy stream opened", "url", u, "format", mr.Format, "size", size)
	return &Media{Body: mediaResp.Body, Size: size, Filename: filename, ContentType: contentType}, nil
}

func (p *Proxy) endpoint(name string) *url.URL {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + name
	return &u
}

// do waits for a token, sends req and turns non-2xx replies into categorised
// errors.
func (p *Proxy) do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, wrapCategory(CategoryNetwork, fmt.Errorf("waiting for proxy slot: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, wrapCategory(CategoryNetwork, fmt.Errorf("proxy request: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, proxyStatusError(resp)
}

func proxyStatusError(resp *http.Response) error {
	msg := http.StatusText(resp.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	} else if s := strings.TrimSpace(string(raw)); s != "" {
		msg = s
	}
	err := fmt.Errorf("proxy returned %d: %s", resp.StatusCode, msg)

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return wrapCategory(CategoryInvalidURL, err)
	case http.StatusNotFound, http.StatusGone, http.StatusForbidden:
		return wrapCategory(CategoryUnavailable, err)
	case http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return wrapCategory(CategoryUnsupported, err)
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return wrapCategory(CategoryNetwork, err)
	}
	return wrapCategory(CategoryBackend, err)
}
