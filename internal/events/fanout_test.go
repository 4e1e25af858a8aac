package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	id  string
	err error
	n   int
}

func (s *stubPublisher) Publish(context.Context, string, Message) (string, error) {
	s.n++
	return s.id, s.err
}

func TestNewFanout(t *testing.T) {
	t.Parallel()

	require.Nil(t, NewFanout(nil, nil))

	single := &stubPublisher{id: "a"}
	require.Same(t, single, NewFanout(nil, single))
}

func TestFanoutPublish(t *testing.T) {
	t.Parallel()

	ok := &stubPublisher{id: "a"}
	bad := &stubPublisher{err: errors.New("down")}
	pub := NewFanout(ok, bad)

	id, err := pub.Publish(context.Background(), "t", Message{})
	require.NoError(t, err)
	require.Equal(t, "a", id)
	require.Equal(t, 1, ok.n)
	require.Equal(t, 1, bad.n)

	_, err = NewFanout(bad, &stubPublisher{err: errors.New("also down")}).Publish(context.Background(), "t", Message{})
	require.ErrorContains(t, err, "down")
	require.ErrorContains(t, err, "also down")
}
