package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Fanout publishes every message to each configured transport.
type Fanout struct {
	publishers []Publisher
}

// NewFanout drops nil publishers. It returns nil when none remain, which
// disables the notifier.
func NewFanout(pubs ...Publisher) Publisher {
	cp := make([]Publisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			cp = append(cp, p)
		}
	}
	switch len(cp) {
	case 0:
		return nil
	case 1:
		return cp[0]
	default:
		return &Fanout{publishers: cp}
	}
}

// Publish succeeds when at least one transport accepted the message.
func (f *Fanout) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	var (
		ids  []string
		errs []error
	)
	for i, p := range f.publishers {
		id, err := p.Publish(ctx, topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publisher[%d]: %w", i, err))
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", errors.Join(errs...)
	}
	return strings.Join(ids, ","), nil
}
