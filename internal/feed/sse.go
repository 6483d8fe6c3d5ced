package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SSEConfig configures the server-sent-events transport.
type SSEConfig struct {
	// URL is the feed endpoint, e.g. "https://rt.example.com/changes".
	URL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// ReadTimeout bounds the wait for the next frame; the server is expected
	// to send keepalive comments well within it.
	ReadTimeout time.Duration
}

// SSETransport subscribes to the remote change feed over HTTP server-sent
// events. One Dial is one long-lived GET; the subscription is encoded in the
// query string and each change arrives as one "change" event frame.
type SSETransport struct {
	cfg    SSEConfig
	client *http.Client
}

func NewSSETransport(cfg SSEConfig) (*SSETransport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("feed: sse url is empty")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 45 * time.Second
	}
	// No overall client timeout: the response body is a long-lived stream.
	return &SSETransport{cfg: cfg, client: &http.Client{}}, nil
}

func (t *SSETransport) Dial(ctx context.Context, sub Subscription) (Conn, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("feed: bad sse url: %w", err)
	}
	q := u.Query()
	q.Set("table", sub.Table)
	if sub.Filter != "" {
		q.Set("filter", sub.Filter)
	}
	kinds := make([]string, 0, len(sub.Kinds))
	for _, k := range sub.Kinds {
		kinds = append(kinds, string(k))
	}
	if len(kinds) > 0 {
		q.Set("kinds", strings.Join(kinds, ","))
	}
	u.RawQuery = q.Encode()

	// The request context must outlive Dial: it governs the stream itself.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	type dialResult struct {
		resp *http.Response
		err  error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		resp, err := t.client.Do(req)
		resCh <- dialResult{resp, err}
	}()

	select {
	case <-ctx.Done():
		cancel()
		// Drain the in-flight attempt.
		go func() {
			if r := <-resCh; r.resp != nil {
				_ = r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resCh:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		if r.resp.StatusCode != http.StatusOK {
			_ = r.resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("feed: subscribe returned %s", r.resp.Status)
		}
		return &sseConn{
			resp:        r.resp,
			cancel:      cancel,
			scanner:     bufio.NewScanner(r.resp.Body),
			readTimeout: t.cfg.ReadTimeout,
		}, nil
	}
}

type sseConn struct {
	resp        *http.Response
	cancel      context.CancelFunc
	scanner     *bufio.Scanner
	readTimeout time.Duration
}

// wireEvent is the JSON payload of one "change" frame.
type wireEvent struct {
	Kind   string         `json:"kind"`
	Table  string         `json:"table"`
	Filter string         `json:"filter,omitempty"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

func (c *sseConn) Recv(ctx context.Context) (*ChangeEvent, error) {
	type frame struct {
		ev   *ChangeEvent
		err  error
		keep bool // keepalive or ignorable frame
	}
	for {
		frCh := make(chan frame, 1)
		go func() { frCh <- c.readFrame() }()

		var tm *time.Timer
		var timeout <-chan time.Time
		if c.readTimeout > 0 {
			tm = time.NewTimer(c.readTimeout)
			timeout = tm.C
		}

		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			_ = c.Close()
			return nil, ctx.Err()
		case <-timeout:
			_ = c.Close()
			return nil, errors.New("feed: stream read timed out")
		case fr := <-frCh:
			if tm != nil {
				tm.Stop()
			}
			if fr.err != nil {
				return nil, fr.err
			}
			if fr.keep {
				continue
			}
			return fr.ev, nil
		}
	}
}

// readFrame consumes one SSE frame (terminated by a blank line).
func (c *sseConn) readFrame() (out struct {
	ev   *ChangeEvent
	err  error
	keep bool
}) {
	var event string
	var data strings.Builder
	sawAny := false

	for c.scanner.Scan() {
		line := c.scanner.Text()
		if line == "" {
			if !sawAny {
				continue
			}
			break
		}
		sawAny = true
		switch {
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := c.scanner.Err(); err != nil {
		out.err = err
		return out
	}
	if !sawAny {
		out.err = errors.New("feed: stream closed by server")
		return out
	}
	if event != "change" || data.Len() == 0 {
		// Status frames and keepalives are not row changes.
		out.keep = true
		return out
	}

	var w wireEvent
	if err := json.Unmarshal([]byte(data.String()), &w); err != nil {
		// A malformed frame is not fatal to the stream; skip it. Downstream
		// malformed-payload handling applies to decoded events only.
		out.keep = true
		return out
	}
	out.ev = &ChangeEvent{
		Kind:       Kind(strings.ToUpper(w.Kind)),
		Table:      w.Table,
		FilterKey:  w.Filter,
		Before:     w.Before,
		After:      w.After,
		ReceivedAt: time.Now(),
	}
	return out
}

func (c *sseConn) Close() error {
	c.cancel()
	return c.resp.Body.Close()
}
