package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cronward/internal/task"
)

type httpHandler struct {
	client *http.Client
	url    string
}

func newHTTPHandler(client *http.Client, raw string) (*httpHandler, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("http handler: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http handler: want an absolute http(s) URL, got %q", raw)
	}
	return &httpHandler{client: client, url: u.String()}, nil
}

func (h *httpHandler) Execute(ctx context.Context) (task.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return task.Result{}, task.NoRetry(err)
	}
	req.Header.Set("User-Agent", "cronward")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return task.Result{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	took := time.Since(start).Round(time.Millisecond)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return task.Result{Success: true, Message: fmt.Sprintf("HTTP %d in %s", resp.StatusCode, took)}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		err := fmt.Errorf("HTTP %d", resp.StatusCode)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return task.Result{}, task.RetryAfter(err, d)
		}
		return task.Result{}, err
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout:
		return task.Result{}, task.NoRetry(fmt.Errorf("HTTP %d", resp.StatusCode))
	default:
		return task.Result{Success: false, Message: fmt.Sprintf("HTTP %d in %s", resp.StatusCode, took)}, nil
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
