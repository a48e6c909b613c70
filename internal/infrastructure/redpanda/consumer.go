package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds consumer group settings
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	SessionTimeout time.Duration
	MaxPollRecords int
	StartOffset    string
}

// DefaultConsumerConfig returns settings for the calculation worker group
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "ndc-calc-worker",
		Topics:         []string{TopicCalculationRequests},
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 100,
		StartOffset:    "earliest",
	}
}

// Message is a consumed record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// Context carries the producer's trace, if any
	Context context.Context
}

// BatchHandler processes one poll's records. Offsets are committed only when
// it returns nil.
type BatchHandler func(ctx context.Context, msgs []*Message) error

// Consumer reads a consumer group and hands records to a BatchHandler
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	handler BatchHandler
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewConsumer creates a consumer with manual commits
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("batch handler is required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}

	offset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		offset = kgo.NewOffset().AtEnd()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
	}, nil
}

// Run polls until ctx is done, then commits and closes the client
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()
	c.logger.Info("consumer started",
		zap.String("group", c.cfg.GroupID),
		zap.Strings("topics", c.cfg.Topics))

	for {
		fetches := c.client.PollRecords(ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var recs []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) { recs = append(recs, r) })
		if len(recs) == 0 {
			continue
		}

		if err := c.handle(ctx, recs); err != nil {
			c.logger.Error("batch handler failed, offsets not committed",
				zap.Int("records", len(recs)),
				zap.Error(err))
			continue
		}
		c.client.MarkCommitRecords(recs...)
		if err := c.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit failed", zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, recs []*kgo.Record) error {
	ctx, span := c.tracer.Start(ctx, "redpanda.consume_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(recs))))
	defer span.End()

	msgs := make([]*Message, len(recs))
	for i, r := range recs {
		msgs[i] = toMessage(ctx, r)
	}
	if err := c.handler(ctx, msgs); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func toMessage(ctx context.Context, r *kgo.Record) *Message {
	m := &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		m.Headers[h.Key] = string(h.Value)
	}
	m.Context = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{r})
	return m
}

func (c *Consumer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("final commit failed", zap.Error(err))
	}
	c.client.Close()
	c.logger.Info("consumer stopped")
}
