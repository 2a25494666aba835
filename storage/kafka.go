package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eddielth/lora-trans/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaStorage forwards published records to the main topic, keyed by device,
// and rejected messages to the dead letter topic
type KafkaStorage struct {
	main messageWriter
	dlq  messageWriter
}

// NewKafkaStorage
func NewKafkaStorage(brokers []string, topic, dlqTopic string) *KafkaStorage {
	logger.Info("init Kafka storage: %v (topic=%s dlq=%s)", brokers, topic, dlqTopic)
	return &KafkaStorage{
		main: newKafkaWriter(brokers, topic),
		dlq:  newKafkaWriter(brokers, dlqTopic),
	}
}

func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchSize:    100,
		BatchBytes:   1 << 20,
		BatchTimeout: 10 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Compression:  kafka.Snappy,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka write to %s failed for %d messages: %v", topic, len(messages), err)
			}
		},
	}
}

// Store implement StorageBackend
func (ks *KafkaStorage) Store(ctx context.Context, entry Entry) error {
	if entry.Rejected() {
		msg, err := deadLetterMessage(entry)
		if err != nil {
			return err
		}
		if err := ks.dlq.WriteMessages(ctx, msg); err != nil {
			return fmt.Errorf("kafka write (dlq): %w", err)
		}
		return nil
	}

	if err := ks.main.WriteMessages(ctx, recordMessage(entry)); err != nil {
		return fmt.Errorf("kafka write (main): %w", err)
	}
	return nil
}

func recordMessage(entry Entry) kafka.Message {
	return kafka.Message{
		Key:   []byte(entry.DeviceName),
		Value: entry.Document,
		Headers: []kafka.Header{
			{Key: "messageId", Value: []byte(entry.MessageID)},
			{Key: "receivedAt", Value: []byte(entry.ReceivedAt.UTC().Format(time.RFC3339Nano))},
		},
	}
}

// deadLetterMessage wraps the raw payload with the reason it was dropped.
// Payloads that are not JSON are embedded as a string.
func deadLetterMessage(entry Entry) (kafka.Message, error) {
	var original interface{} = string(entry.Raw)
	if json.Valid(entry.Raw) {
		original = json.RawMessage(entry.Raw)
	}

	envelope := map[string]any{
		"error":      entry.Error,
		"original":   original,
		"topic":      entry.Topic,
		"receivedAt": entry.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"messageId":  entry.MessageID,
	}
	buf, err := json.Marshal(envelope)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize dead letter: %w", err)
	}

	key := entry.DeviceName
	if key == "" {
		key = "invalid"
	}
	return kafka.Message{Key: []byte(key), Value: buf}, nil
}

// Close implement StorageBackend
func (ks *KafkaStorage) Close() error {
	errMain := ks.main.Close()
	errDLQ := ks.dlq.Close()
	if errMain != nil {
		return fmt.Errorf("close kafka writer: %w", errMain)
	}
	if errDLQ != nil {
		return fmt.Errorf("close kafka dlq writer: %w", errDLQ)
	}
	return nil
}
