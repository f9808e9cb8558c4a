package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer создаёт продюсер с настройками
func NewProducer(brokers []string, topic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return NewProducerFrom(producer, topic), nil
}

// NewProducerFrom wraps an existing sarama producer.
func NewProducerFrom(producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{
		producer: producer,
		topic:    topic,
	}
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

// Publish отправляет одно сообщение в Kafka с ключом сессии
func (p *Producer) Publish(key string, payload []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	if _, _, err := p.producer.SendMessage(kafkaMsg); err != nil {
		return fmt.Errorf("send to %s: %w", p.topic, err)
	}
	return nil
}

// PublishSession announces a session state change.
func (p *Producer) PublishSession(ev models.SessionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.TimeStamp.IsZero() {
		ev.TimeStamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Publish(ev.SessionName, payload)
}
