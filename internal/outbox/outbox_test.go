package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/detection-stream/internal/logger"
	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

type memStore struct {
	pending   []models.OutboxMessage
	processed []string
}

func (m *memStore) GetPendingOutboxMessages(_ context.Context, limit int) ([]models.OutboxMessage, error) {
	var out []models.OutboxMessage
	for _, msg := range m.pending {
		done := false
		for _, id := range m.processed {
			done = done || id == msg.ID
		}
		if !done && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) MarkOutboxMessageAsProcessed(_ context.Context, id string) error {
	m.processed = append(m.processed, id)
	return nil
}

type flakyPublisher struct {
	failOn string
	keys   []string
}

func (p *flakyPublisher) Publish(key string, payload []byte) error {
	if string(payload) == p.failOn {
		return errors.New("broker down")
	}
	p.keys = append(p.keys, key)
	return nil
}

func TestDispatchStopsAtFirstFailure(t *testing.T) {
	store := &memStore{pending: []models.OutboxMessage{
		{ID: "1", SessionName: "s1", Payload: []byte("a"), CreatedAt: time.Now()},
		{ID: "2", SessionName: "s1", Payload: []byte("b"), CreatedAt: time.Now()},
		{ID: "3", SessionName: "s2", Payload: []byte("c"), CreatedAt: time.Now()},
	}}
	pub := &flakyPublisher{failOn: "b"}
	d := NewDispatcher(store, pub, time.Second, logger.NewNop())

	assert.Equal(t, 1, d.Dispatch(context.Background()))
	assert.Equal(t, []string{"1"}, store.processed)

	pub.failOn = ""
	assert.Equal(t, 2, d.Dispatch(context.Background()))
	assert.Equal(t, []string{"1", "2", "3"}, store.processed)
	assert.Equal(t, []string{"s1", "s1", "s2"}, pub.keys)

	assert.Zero(t, d.Dispatch(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &memStore{}
	d := NewDispatcher(store, &flakyPublisher{}, 10*time.Millisecond, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "dispatcher did not stop")
	}
}
