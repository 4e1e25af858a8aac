// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a time-ordered UUID7 string, used for request IDs.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewTraceID returns a random UUIDv4 string that correlates a batch of events.
func NewTraceID() string {
	return uuid.NewString()
}
