package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/caesar-terminal/idexbook/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that keys records onto partitions by market.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// eventRecord is the JSON value of every published record.
type eventRecord struct {
	Kind      string `json:"kind"`
	Market    string `json:"market,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"ts"`
}

// KafkaPublisher writes every synchronizer event to Kafka, keyed by market so
// one market's events stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
	feed   <-chan Event
}

func NewKafkaPublisher(writer MessageWriter, feed <-chan Event) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, feed: feed}
}

// Run publishes until ctx is cancelled or the feed closes, then closes the
// writer.
func (kp *KafkaPublisher) Run(ctx context.Context) {
	defer func() {
		if err := kp.writer.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka: close writer")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-kp.feed:
			if !ok {
				return
			}
			kp.publish(ctx, ev)
		}
	}
}

func (kp *KafkaPublisher) publish(ctx context.Context, ev Event) {
	rec := eventRecord{
		Kind:      ev.Kind.String(),
		Market:    ev.Market,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Msg("kafka: marshal event")
		return
	}

	if err := kp.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Market), Value: value}); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SinkErrorsTotal.WithLabelValues("kafka").Inc()
		log.Warn().Err(err).Str("market", ev.Market).Stringer("kind", ev.Kind).Msg("kafka: write event")
	}
}
