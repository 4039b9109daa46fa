package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/lvcoi/ytgate/internal/db"
	"github.com/lvcoi/ytgate/internal/governor"
)

// adminClient talks to a running server's /api/admin endpoints.
type adminClient struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

func newAdminClient(server, token string) (*adminClient, error) {
	if server == "" {
		return nil, errors.New("server is required")
	}
	parsed, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid server %q: want http(s)://host[:port]", server)
	}
	if token == "" {
		return nil, errors.New("admin token is required (--token or YTGATE_ADMIN_TOKEN)")
	}
	return &adminClient{
		baseURL: parsed,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

func (c *adminClient) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	full := *c.baseURL
	full.Path = path.Join(full.Path, endpoint)
	full.RawQuery = query.Encode()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, full.String(), payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "ytgate-cli")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(body) > 0 {
		_ = json.Unmarshal(body, &payload)
	}
	msg := strings.TrimSpace(payload.Error)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = resp.Status
	}
	if resp.StatusCode == http.StatusNotFound && msg == "not found" {
		msg = "admin API is disabled on the server (ADMIN_TOKEN not set)"
	}
	return &apiError{StatusCode: resp.StatusCode, Message: msg}
}

func (c *adminClient) Blocked(ctx context.Context) ([]governor.BlockInfo, error) {
	var out struct {
		Blocked []governor.BlockInfo `json:"blocked"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/admin/blocked", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Blocked, nil
}

func (c *adminClient) Sessions(ctx context.Context) ([]governor.SessionInfo, error) {
	var out struct {
		Sessions []governor.SessionInfo `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/admin/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *adminClient) Stats(ctx context.Context) (governor.Stats, error) {
	var out governor.Stats
	err := c.do(ctx, http.MethodGet, "/api/admin/stats", nil, nil, &out)
	return out, err
}

// Block blocks ip for minutes; zero uses the server's default duration.
func (c *adminClient) Block(ctx context.Context, ip string, minutes int) (governor.BlockInfo, error) {
	var out governor.BlockInfo
	body := map[string]any{"ip": ip, "durationMinutes": minutes}
	err := c.do(ctx, http.MethodPost, "/api/admin/block", nil, body, &out)
	return out, err
}

func (c *adminClient) Unblock(ctx context.Context, ip string) error {
	return c.do(ctx, http.MethodPost, "/api/admin/unblock", nil, map[string]string{"ip": ip}, nil)
}

func (c *adminClient) Clear(ctx context.Context) (int, error) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	err := c.do(ctx, http.MethodPost, "/api/admin/clear", nil, nil, &out)
	return out.Cleared, err
}

type auditPage struct {
	Events []db.EventRecord `json:"events"`
	Total  int              `json:"total"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
}

func (c *adminClient) Audit(ctx context.Context, limit, offset int) (auditPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out auditPage
	err := c.do(ctx, http.MethodGet, "/api/admin/audit", q, nil, &out)
	return out, err
}
