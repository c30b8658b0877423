package bus

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka implements Backend on a single Kafka topic; the logical channel
// travels as the message key. Chosen for deployments that want the event
// stream retained and replayable.
type Kafka struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	groupID string
	logger  *zap.Logger
}

// NewKafka creates a Kafka-backed bus.
func NewKafka(brokers []string, topic, groupID string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		logger:  logger,
	}
}

// Publish marshals msg and writes it keyed by channel.
func (k *Kafka) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channel),
		Value: data,
	})
}

// Subscribe reads the topic on a background goroutine, delivering only
// messages keyed with the requested channel.
func (k *Kafka) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		Topic:   k.topic,
		GroupID: k.groupID,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					k.logger.Error("kafka read failed", zap.Error(err))
				}
				return
			}
			if string(m.Key) == channel {
				handler(m.Value)
			}
		}
	}()
	return nil
}

// Close closes the writer. Readers close with their contexts.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
