package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPQuerierConfig points the ladder rungs at the backend REST surface.
// Paths are joined onto BaseURL:
//
//	POST {base}/rpc/active_count        -> {"count": N}
//	GET  {base}/presence/count?kind=K   -> {"count": N}
//	GET  {base}/presence?kind=K&limit=L -> [{"id": "...", "online": true}, ...]
type HTTPQuerierConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPQuerier implements Querier against the backend HTTP API.
type HTTPQuerier struct {
	cfg    HTTPQuerierConfig
	client *http.Client
}

func NewHTTPQuerier(cfg HTTPQuerierConfig) (*HTTPQuerier, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("presence: base url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPQuerier{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (q *HTTPQuerier) AggregateCount(ctx context.Context, kind string) (int, error) {
	body := strings.NewReader(fmt.Sprintf(`{"kind":%q}`, kind))
	var out struct {
		Count int `json:"count"`
	}
	if err := q.do(ctx, http.MethodPost, "/rpc/active_count", nil, body, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (q *HTTPQuerier) DirectCount(ctx context.Context, kind string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	params := url.Values{"kind": {kind}}
	if err := q.do(ctx, http.MethodGet, "/presence/count", params, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (q *HTTPQuerier) FetchCandidates(ctx context.Context, kind string, limit int) ([]Candidate, error) {
	var rows []struct {
		ID     string `json:"id"`
		Online bool   `json:"online"`
	}
	params := url.Values{"kind": {kind}, "limit": {fmt.Sprint(limit)}}
	if err := q.do(ctx, http.MethodGet, "/presence", params, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, Candidate{ID: r.ID, Online: r.Online})
	}
	return out, nil
}

func (q *HTTPQuerier) do(ctx context.Context, method, path string, params url.Values, body io.Reader, out any) error {
	u, err := url.Parse(strings.TrimRight(q.cfg.BaseURL, "/") + path)
	if err != nil {
		return fmt.Errorf("presence: bad url: %w", err)
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if q.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+q.cfg.APIKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 512)
		return fmt.Errorf("presence: %s %s: status %d", method, path, resp.StatusCode)
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("presence: decode %s: %w", path, err)
	}
	return nil
}
