// Package webhook publishes posts by POSTing a JSON body to a configured URL.
// Social platforms whose Go story is an HTTP API normalize to this shape.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"postq/internal/adapter"
)

type Config struct {
	URL         string
	AuthToken   string // optional bearer token
	Timeout     time.Duration
	ContentType string
}

type Publisher struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{cfg: cfg, http: &http.Client{Timeout: timeout}}, nil
}

type payload struct {
	Content string `json:"content"`
}

type response struct {
	ID string `json:"id"`
}

func (p *Publisher) Publish(ctx context.Context, content string) (string, error) {
	body, err := json.Marshal(payload{Content: content})
	if err != nil {
		return "", adapter.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", adapter.Permanent(err)
	}
	ct := p.cfg.ContentType
	if ct == "" {
		ct = "application/json"
	}
	req.Header.Set("Content-Type", ct)
	if p.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		// Network-level errors (timeouts, refused connections) may heal.
		return "", adapter.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return externalID(resp), nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return "", adapter.Transientf("webhook returned %s", resp.Status)
	default:
		return "", adapter.Permanentf("webhook returned %s", resp.Status)
	}
}

// externalID pulls an id from the response body when the endpoint provides
// one, falling back to the status line.
func externalID(resp *http.Response) string {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(b) > 0 {
		var r response
		if json.Unmarshal(b, &r) == nil && r.ID != "" {
			return r.ID
		}
	}
	return resp.Status
}
