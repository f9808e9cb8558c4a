package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

const batchSize = 100

// Store is the outbox side of the ledger.
type Store interface {
	GetPendingOutboxMessages(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkOutboxMessageAsProcessed(ctx context.Context, id string) error
}

// Publisher sends a raw event keyed by session.
type Publisher interface {
	Publish(key string, payload []byte) error
}

// Dispatcher publishes detection events queued together with ledger rows.
type Dispatcher struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	logger    *zap.SugaredLogger
}

func NewDispatcher(store Store, publisher Publisher, interval time.Duration, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{store: store, publisher: publisher, interval: interval, logger: logger}
}

// Run dispatches pending messages every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.Dispatch(ctx)
		}
	}
}

// Dispatch sends one batch and returns how many messages were published.
// A message that fails to send stays pending and is retried on the next tick.
func (d *Dispatcher) Dispatch(ctx context.Context) int {
	// Читаем непрочитанные сообщения
	messages, err := d.store.GetPendingOutboxMessages(ctx, batchSize)
	if err != nil {
		d.logger.Warnf("Error fetching outbox messages: %v", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if err := d.publisher.Publish(msg.SessionName, msg.Payload); err != nil {
			d.logger.Warnf("Failed to send outbox message %s to Kafka: %v", msg.ID, err)
			// порядок внутри сессии важнее, остальное отправим на следующем тике
			return sent
		}

		if err := d.store.MarkOutboxMessageAsProcessed(ctx, msg.ID); err != nil {
			d.logger.Warnf("Failed to mark outbox message %s as processed: %v", msg.ID, err)
			return sent
		}
		sent++
	}
	return sent
}
