package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Consumer оборачивает Sarama ConsumerGroup
type Consumer struct {
	group     sarama.ConsumerGroup
	topic     string
	messages  chan Message
	closed    chan struct{}
	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

// Message содержит значение и способ подтвердить его после обработки
type Message struct {
	Value []byte
	ack   func()
}

// Mark commits the message offset.
func (m Message) Mark() {
	if m.ack != nil {
		m.ack()
	}
}

// NewConsumer создаёт и возвращает новый Consumer
func NewConsumer(brokers []string, groupID, topic string, logger *zap.SugaredLogger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		group:    group,
		topic:    topic,
		messages: make(chan Message),
		closed:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// StartListening запускает асинхронное потребление сообщений
func (c *Consumer) StartListening(ctx context.Context) {
	handler := &consumerGroupHandler{
		messages: c.messages,
		closed:   c.closed,
	}

	go func() {
		defer close(c.messages)

		retryDelay := time.Second * 5
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Consumer: context cancelled, stopping")
				return
			case <-c.closed:
				return
			default:
				err := c.group.Consume(ctx, []string{c.topic}, handler)
				if err != nil {
					c.logger.Warnf("Consume error: %v, retrying in %v", err, retryDelay)
					select {
					case <-ctx.Done():
						return
					case <-c.closed:
						return
					case <-time.After(retryDelay):
					}
					continue
				}

				if ctx.Err() != nil {
					return
				}
			}
		}
	}()
}

// Close останавливает потребитель и освобождает ресурсы
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.group.Close()
}

// Messages возвращает канал для чтения сообщений
func (c *Consumer) Messages() <-chan Message {
	return c.messages
}

// consumerGroupHandler реализует интерфейс sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	messages chan<- Message
	closed   <-chan struct{}
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.messages <- Message{
				Value: msg.Value,
				ack:   func() { sess.MarkMessage(msg, "") },
			}:
				// Подтверждение будет после обработки
			case <-sess.Context().Done():
				return nil
			case <-h.closed:
				return nil
			}
		case <-sess.Context().Done():
			return nil
		case <-h.closed:
			return nil
		}
	}
}
