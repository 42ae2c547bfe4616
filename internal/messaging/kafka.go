// Package messaging provides Kafka-based communication between a device
// bridge and the rest of the system: job intake, share and telemetry fan-out.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"

	"github.com/bardlex/nebula/pkg/circuit"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
	"github.com/bardlex/nebula/pkg/retry"
)

// Publisher publishes JSON messages. KafkaClient implements it.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// KafkaClient wraps kafka-go with JSON encoding and connection pooling
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")

	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.KafkaConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic (with connection pooling)
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     500 * time.Millisecond,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishJSON encodes v with sonic and publishes it to topic. Messages with
// the same key land on the same partition.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_json",
					"failed to publish JSON message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// ConsumeJSON reads one message from reader and decodes it into v.
func (k *KafkaClient) ConsumeJSON(ctx context.Context, reader *kafka.Reader, v any) (string, error) {
	kafkaMsg, err := circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return kafka.Message{}, ctx.Err()
				}
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}
			return msg, nil
		})
	})
	if err != nil {
		return "", err
	}

	if err := sonic.Unmarshal(kafkaMsg.Value, v); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "json_unmarshal",
			"failed to unmarshal message").
			WithContext("topic", kafkaMsg.Topic).
			WithContext("offset", kafkaMsg.Offset).
			WithContext("message_size", len(kafkaMsg.Value))
	}

	key := string(kafkaMsg.Key)
	k.logger.Debug("consumed message", "topic", kafkaMsg.Topic, "key", key, "size", len(kafkaMsg.Value))
	return key, nil
}

// Consume runs a consumer loop on topic until ctx ends, decoding every
// message as T. Malformed messages and handler failures are logged and
// skipped.
func Consume[T any](ctx context.Context, k *KafkaClient, topic, groupID string, handle func(ctx context.Context, key string, msg T) error) error {
	reader := k.GetConsumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		var msg T
		key, err := k.ConsumeJSON(ctx, reader, &msg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.WithError(err).Error("failed to consume message", "topic", topic)
			if !errors.IsType(err, errors.ErrorTypeValidation) {
				// Back off while the breaker is open.
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			continue
		}

		if err := handle(ctx, key, msg); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "topic", topic, "key", key)
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
