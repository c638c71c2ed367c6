package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/metrics"
)

const kafkaBufSize = 1024

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes transitions to a Kafka topic. Notify only queues;
// Run performs the writes.
type KafkaPublisher struct {
	w     messageWriter
	topic string
	queue chan types.Transition

	once sync.Once
	done chan struct{}
}

// NewKafkaPublisher creates a publisher for cfg.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if !cfg.Enabled() || cfg.Topic == "" {
		return nil, errors.New("kafka notify: brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // partition by alert id
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
	return newKafkaPublisher(w, cfg.Topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w:     w,
		topic: topic,
		queue: make(chan types.Transition, kafkaBufSize),
		done:  make(chan struct{}),
	}
}

// Notify queues tr. When the queue is full the transition is dropped and
// counted rather than blocking the dispatcher.
func (p *KafkaPublisher) Notify(tr types.Transition) {
	select {
	case <-p.done:
		metrics.NotificationsTotal.WithLabelValues("kafka", "skipped").Inc()
		return
	default:
	}
	select {
	case p.queue <- tr:
	default:
		metrics.NotificationsTotal.WithLabelValues("kafka", "failed").Inc()
		slog.Warn("notify: kafka queue full, transition dropped", "alert", tr.AlertID, "to", tr.To)
	}
}

// Run writes queued transitions until Close is called, then flushes what is
// left and closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) {
	defer func() {
		if err := p.w.Close(); err != nil {
			slog.Warn("notify: closing kafka writer", "err", err)
		}
	}()
	for {
		select {
		case tr := <-p.queue:
			p.write(ctx, tr)
		case <-p.done:
			for {
				select {
				case tr := <-p.queue:
					p.write(ctx, tr)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting transitions. Run returns once the queue is flushed.
func (p *KafkaPublisher) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *KafkaPublisher) write(ctx context.Context, tr types.Transition) {
	data, err := json.Marshal(tr)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("kafka", "failed").Inc()
		return
	}
	msg := kafka.Message{
		Key:   []byte(tr.AlertID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(tr.Alert.Kind)},
			{Key: "to", Value: []byte(tr.To)},
		},
		Time: tr.At,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues("kafka", "failed").Inc()
		slog.Error("notify: kafka publish failed", "topic", p.topic, "alert", tr.AlertID, "err", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("kafka", "sent").Inc()
}
