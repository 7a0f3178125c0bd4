package memqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/manthysbr/jobrelay/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan ports.Delivery) ports.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return ports.Delivery{}
	}
}

func TestBroker_PublishRecordsAndHooks(t *testing.T) {
	b := New(0)
	defer b.Close()

	var seen []string
	b.OnPublish(func(m ports.Message) { seen = append(seen, m.CorrelationID) })

	require.NoError(t, b.Publish(context.Background(), ports.Message{RoutingKey: "request.search", CorrelationID: "k1"}))
	assert.Equal(t, []string{"k1"}, seen)
	require.Len(t, b.Published(), 1)
	assert.Equal(t, "request.search", b.Published()[0].RoutingKey)

	boom := errors.New("broker down")
	b.FailPublish(boom)
	assert.ErrorIs(t, b.Publish(context.Background(), ports.Message{CorrelationID: "k2"}), boom)
	assert.Len(t, b.Published(), 1)
}

func TestBroker_NackRequeuesAsRedelivered(t *testing.T) {
	b := New(0)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Deliver(ctx, "k1", []byte(`{}`)))

	first := receive(t, ch)
	assert.False(t, first.Redelivered)
	require.NoError(t, first.Nack(true))
	// Settling twice is a no-op.
	require.NoError(t, first.Ack())

	second := receive(t, ch)
	assert.True(t, second.Redelivered)
	assert.Equal(t, "k1", second.CorrelationID)
	require.NoError(t, second.Nack(false))

	assert.Equal(t, Stats{Requeued: 1, DeadLetters: 1}, b.Stats())
	assert.Len(t, b.DeadLetters(), 1)
}

func TestBroker_CloseEndsConsume(t *testing.T) {
	b := New(0)
	ch, err := b.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
	_, err = b.Consume(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
