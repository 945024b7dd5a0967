package mq

import (
	"fmt"

	"coursepay/internal/config"

	"github.com/IBM/sarama"
)

// Publisher sends keyed messages to Kafka synchronously.
type Publisher struct {
	producer sarama.SyncProducer
}

// NewProducerConfig waits for all in-sync replicas and retries three times.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	return cfg
}

func NewKafkaPublisher(cfg *config.KafkaConfig) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewPublisher(producer), nil
}

func NewPublisher(producer sarama.SyncProducer) *Publisher {
	return &Publisher{producer: producer}
}

// Publish returns the partition and offset the broker assigned.
func (p *Publisher) Publish(topic, key string, value []byte, headers map[string]string) (int32, int64, error) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return p.producer.SendMessage(msg)
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
