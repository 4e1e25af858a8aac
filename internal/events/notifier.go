// Package events announces newly inserted articles to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/id/uuid"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/metrics"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

// Message attributes and version.
const (
	AttrTraceID      = "trace_id"
	AttrEventVersion = "event_version"
	EventVersion     = "1.0"
)

// Message is one encoded event with its transport attributes.
type Message struct {
	Data       []byte
	Attributes map[string]string
}

// Publisher delivers a message to a topic and returns the transport's message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) (string, error)
}

// NewsScraped is the payload of the "news scraped" event.
type NewsScraped struct {
	UniqueID    string `json:"unique_id"`
	AgencyKey   string `json:"agency_key"`
	PublishedAt string `json:"published_at"`
	ScrapedAt   string `json:"scraped_at"`
}

// Notifier implements scraper.Notifier on top of a Publisher.
type Notifier struct {
	publisher  Publisher
	topic      string
	logger     *zap.Logger
	newTraceID func() string
	now        func() time.Time
}

var _ scraper.Notifier = (*Notifier)(nil)

// NewNotifier returns a Notifier. With a nil publisher or an empty topic every
// call is a no-op.
func NewNotifier(publisher Publisher, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		publisher:  publisher,
		topic:      topic,
		logger:     logger.Named("events"),
		newTraceID: uuid.NewTraceID,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if !n.Enabled() {
		n.logger.Info("news scraped events disabled", zap.Bool("publisher", publisher != nil), zap.String("topic", topic))
	}
	return n
}

// Enabled reports whether events are published.
func (n *Notifier) Enabled() bool {
	return n != nil && n.publisher != nil && n.topic != ""
}

// NotifyScraped publishes one event per item and returns how many succeeded.
// Every item in the batch shares a trace id.
func (n *Notifier) NotifyScraped(ctx context.Context, agency string, items []scraper.NewsItem) int {
	if !n.Enabled() || len(items) == 0 {
		return 0
	}
	traceID := n.newTraceID()
	attrs := map[string]string{
		AttrTraceID:      traceID,
		AttrEventVersion: EventVersion,
	}

	published := 0
	for _, item := range items {
		data, err := json.Marshal(n.payload(agency, item))
		if err != nil {
			metrics.ObserveEvent("failed")
			n.logger.Error("encode news scraped event", zap.String("unique_id", item.UniqueID), zap.Error(err))
			continue
		}
		id, err := n.publisher.Publish(ctx, n.topic, Message{Data: data, Attributes: copyAttrs(attrs)})
		if err != nil {
			metrics.ObserveEvent("failed")
			n.logger.Warn("publish news scraped event",
				zap.String("agency", agency),
				zap.String("unique_id", item.UniqueID),
				zap.String("trace_id", traceID),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveEvent("published")
		published++
		n.logger.Debug("news scraped event published", zap.String("unique_id", item.UniqueID), zap.String("message_id", id))
	}
	n.logger.Info("news scraped events sent",
		zap.String("agency", agency),
		zap.String("trace_id", traceID),
		zap.Int("published", published),
		zap.Int("total", len(items)),
	)
	return published
}

func (n *Notifier) payload(agency string, item scraper.NewsItem) NewsScraped {
	scraped := item.ExtractedAt
	if scraped.IsZero() {
		scraped = n.now()
	}
	key := item.AgencyKey
	if key == "" {
		key = agency
	}
	return NewsScraped{
		UniqueID:    item.UniqueID,
		AgencyKey:   key,
		PublishedAt: item.PublishedAt.Format(time.RFC3339),
		ScrapedAt:   scraped.Format(time.RFC3339),
	}
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Decode parses an event payload. Consumers and tests share it.
func Decode(data []byte) (NewsScraped, error) {
	var ev NewsScraped
	if err := json.Unmarshal(data, &ev); err != nil {
		return NewsScraped{}, fmt.Errorf("decode news scraped event: %w", err)
	}
	return ev, nil
}
