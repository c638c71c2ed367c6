package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/metrics"
)

const transport = "kafka"

// Submitter queues one event for processing. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(ev types.TelemetryEvent) error
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds a Kafka topic into the pipeline.
type Consumer struct {
	reader messageReader
	sink   Submitter
	topic  string
}

// NewConsumer creates a consumer group reader for cfg.
func NewConsumer(cfg config.KafkaConfig, sink Submitter) (*Consumer, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka ingest: at least one broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka ingest: topic and group_id are required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // synchronous commits
	})
	return &Consumer{reader: r, sink: sink, topic: cfg.Topic}, nil
}

// Run fetches messages until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("ingest: kafka consumer started", "topic", c.topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			slog.Warn("ingest: closing kafka reader", "err", err)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("ingest: kafka consumer stopped", "topic", c.topic)
				return nil
			}
			return fmt.Errorf("kafka ingest: fetch: %w", err)
		}

		c.handle(msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("ingest: commit failed",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"err", err,
			)
		}
	}
}

func (c *Consumer) handle(msg kafka.Message) {
	ev, err := Decode(msg.Value)
	if err == nil {
		err = c.sink.Submit(ev)
	}
	if err != nil {
		metrics.TelemetryEventsTotal.WithLabelValues(transport, "rejected").Inc()
		slog.Warn("ingest: message rejected",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err,
		)
		return
	}
	metrics.TelemetryEventsTotal.WithLabelValues(transport, "accepted").Inc()
}

// Decode parses one message value into a TelemetryEvent.
func Decode(value []byte) (types.TelemetryEvent, error) {
	var ev types.TelemetryEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("decode telemetry: %w", err)
	}
	return ev, nil
}
