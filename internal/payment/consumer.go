package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// TopicPaymentSuccess is the default topic for payment success events
	TopicPaymentSuccess = "payment.success"
	providerKafka       = "kafka"
)

var tracer = otel.Tracer("github.com/Shivanand-hulikatti/ticket-queue/internal/payment")

// PaymentSuccessMessage is a payment.success record. CorrelationID is the
// waiting list entry id the payment was taken for.
type PaymentSuccessMessage struct {
	CorrelationID    string `json:"correlation_id"`
	PaymentReference string `json:"payment_reference"`
	Amount           int64  `json:"amount"`
}

// ConsumerConfig holds configuration for Consumer
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	ClientID         string
	Topic            string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	// RetryTimeout bounds how long a transiently failing record is retried
	// before the consumer stops without committing it.
	RetryTimeout time.Duration
}

// Consumer finalizes purchases from payment.success records. Offsets are
// committed only once a record is finalized or known to be unrecoverable.
type Consumer struct {
	client    *kgo.Client
	finalizer Finalizer
	config    ConsumerConfig
	log       *zap.Logger
}

// NewConsumer creates the Kafka client and verifies the brokers are reachable.
func NewConsumer(ctx context.Context, cfg ConsumerConfig, finalizer Finalizer, log *zap.Logger) (*Consumer, error) {
	if cfg.Topic == "" {
		cfg.Topic = TopicPaymentSuccess
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.RebalanceTimeout == 0 {
		cfg.RebalanceTimeout = 60 * time.Second
	}
	if cfg.RetryTimeout == 0 {
		cfg.RetryTimeout = 2 * time.Minute
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.RebalanceTimeout(cfg.RebalanceTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Kafka: %w", err)
	}

	return &Consumer{
		client:    client,
		finalizer: finalizer,
		config:    cfg,
		log:       log.Named("payment-consumer"),
	}, nil
}

// Run polls and processes records until ctx is cancelled or a record keeps
// failing past RetryTimeout.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("payment consumer started", zap.String("topic", c.config.Topic))

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})

		var done []*kgo.Record
		var failed error
		fetches.EachRecord(func(r *kgo.Record) {
			if failed != nil {
				return
			}
			if err := c.processWithRetry(ctx, r); err != nil {
				failed = err
				return
			}
			done = append(done, r)
		})

		if len(done) > 0 {
			if err := c.client.CommitRecords(ctx, done...); err != nil {
				c.log.Error("failed to commit offsets", zap.Error(err))
			}
		}
		if failed != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("payment consumer stopped: %w", failed)
		}
	}
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	c.client.Close()
}

func (c *Consumer) processWithRetry(ctx context.Context, r *kgo.Record) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.handleRecord(ctx, r)
		if err != nil {
			c.log.Warn("payment record failed, retrying",
				zap.Int32("partition", r.Partition),
				zap.Int64("offset", r.Offset),
				zap.Error(err),
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.config.RetryTimeout))
	return err
}

// handleRecord finalizes one record. A nil return means the offset may be
// committed, either because the purchase went through or because the record
// can never succeed; only transient failures are returned.
func (c *Consumer) handleRecord(ctx context.Context, r *kgo.Record) error {
	ctx, span := tracer.Start(ctx, "payment.ConsumeRecord")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	log := c.log.With(zap.Int32("partition", r.Partition), zap.Int64("offset", r.Offset))

	var msg PaymentSuccessMessage
	if jerr := json.Unmarshal(r.Value, &msg); jerr != nil {
		log.Error("dropping malformed payment record", zap.Error(jerr))
		return nil
	}
	if msg.CorrelationID == "" {
		log.Error("dropping payment record without correlation_id",
			zap.String("payment_reference", msg.PaymentReference))
		return nil
	}
	span.SetAttributes(
		attribute.String("entry_id", msg.CorrelationID),
		attribute.String("payment_reference", msg.PaymentReference),
	)

	conf := Confirmation{
		Provider:         providerKafka,
		EntryID:          msg.CorrelationID,
		PaymentReference: msg.PaymentReference,
		Amount:           msg.Amount,
	}
	_, err = Confirm(ctx, c.finalizer, conf, log)
	if err != nil && IsTerminal(err) {
		return nil
	}
	return err
}
