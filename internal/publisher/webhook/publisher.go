// Package webhook delivers events as JSON POSTs to an HTTP endpoint.
package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/events"
)

// Config describes the webhook endpoint.
type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Publisher posts each message body to URL. Attributes travel as X- headers.
type Publisher struct {
	url     string
	headers map[string]string
	client  *resty.Client
}

var _ events.Publisher = (*Publisher)(nil)

// New builds a webhook Publisher.
func New(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	return &Publisher{url: cfg.URL, headers: cfg.Headers, client: client}, nil
}

// Publish sends the message. Any non-2xx response is an error.
func (p *Publisher) Publish(ctx context.Context, topic string, msg events.Message) (string, error) {
	req := p.client.R().
		SetContext(ctx).
		SetBody(msg.Data)
	if len(p.headers) > 0 {
		req.SetHeaders(p.headers)
	}
	for k, v := range msg.Attributes {
		req.SetHeader(AttributeHeader(k), v)
	}
	req.SetHeader("Content-Type", "application/json")
	req.SetHeader("X-Topic", topic)

	resp, err := req.Post(p.url)
	if err != nil {
		return "", fmt.Errorf("webhook request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("webhook response status %d: %s", resp.StatusCode(), snippet(resp.Body()))
	}
	return resp.Header().Get("X-Request-Id"), nil
}

// AttributeHeader maps "trace_id" to "X-Trace-Id".
func AttributeHeader(attr string) string {
	parts := strings.Split(attr, "_")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
	}
	return "X-" + strings.Join(parts, "-")
}

func snippet(body []byte) string {
	if len(body) > 512 {
		body = body[:512]
	}
	return strings.TrimSpace(string(body))
}
