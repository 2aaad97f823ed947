package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/firesentinel/firesentinel/internal/monitoring"
)

// KafkaPublisher publishes records with acknowledged writes and bounded
// retry. Records are partitioned by key hash (device ID), which preserves
// per-device ordering.
type KafkaPublisher struct {
	client      *kgo.Client
	maxAttempts int
	backoff     time.Duration
	logger      zerolog.Logger
}

// KafkaPublisherConfig holds producer configuration.
type KafkaPublisherConfig struct {
	Brokers     []string
	MaxAttempts int           // publish attempts before ErrPublishFailed (default 3)
	Backoff     time.Duration // base backoff between attempts (default 100ms)
	Logger      zerolog.Logger
}

// NewKafkaPublisher creates a producer client.
func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 100 * time.Millisecond
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		logger:      cfg.Logger.With().Str("component", "kafka-publisher").Logger(),
	}, nil
}

// Publish writes one keyed record, retrying with exponential backoff and
// jitter. Returns ErrPublishFailed once the retry budget is exhausted.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := validateTopic(topic); err != nil {
		return err
	}

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.backoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
			lastErr = err
			p.logger.Warn().
				Err(err).
				Str("topic", topic).
				Str("key", key).
				Int("attempt", attempt+1).
				Msg("Publish attempt failed")
			continue
		}
		return nil
	}

	monitoring.PublishFailures.WithLabelValues(topic).Inc()
	return fmt.Errorf("%w: topic %s: %v", ErrPublishFailed, topic, lastErr)
}

// Close flushes and releases the producer client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// EnsureTopics creates the platform topics with the configured partition
// count if they do not exist yet. Partition count is fixed at creation;
// existing topics are left untouched.
func EnsureTopics(ctx context.Context, brokers []string, partitions int, logger zerolog.Logger) error {
	if len(brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	if partitions < 1 {
		partitions = 1
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer client.Close()

	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, int32(partitions), -1, nil, TopicSensorData, TopicAlarmEvents)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, res := range resp.Sorted() {
		if errors.Is(res.Err, kerr.TopicAlreadyExists) {
			continue
		}
		if res.Err != nil {
			return fmt.Errorf("create topic %s: %w", res.Topic, res.Err)
		}
		logger.Info().
			Str("topic", res.Topic).
			Int("partitions", partitions).
			Msg("Topic created")
	}
	return nil
}

// KafkaConsumerConfig holds consumer configuration.
type KafkaConsumerConfig struct {
	Brokers     []string
	Group       string
	Topic       string
	Concurrency int // parallel partition workers (default 1)
	Logger      zerolog.Logger

	// Exactly one of Handler/Batch must be set. Batch delivers whole
	// partition fetches in order (backpressure group).
	Handler Handler
	Batch   BatchHandler
}

// KafkaConsumer consumes one topic within a consumer group using manual
// offset commits: an offset is committed only after the handler succeeds
// or fails permanently.
type KafkaConsumer struct {
	client *kgo.Client
	cfg    KafkaConsumerConfig
	logger zerolog.Logger
	sem    chan struct{}
}

// NewKafkaConsumer creates a group consumer for a topic.
func NewKafkaConsumer(cfg KafkaConsumerConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if err := validateTopic(cfg.Topic); err != nil {
		return nil, err
	}
	if (cfg.Handler == nil) == (cfg.Batch == nil) {
		return nil, fmt.Errorf("exactly one of Handler or Batch is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &KafkaConsumer{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With().
			Str("component", "kafka-consumer").
			Str("topic", cfg.Topic).
			Str("group", cfg.Group).
			Logger(),
		sem: make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Run polls until ctx is cancelled. Partitions are processed concurrently
// up to the configured concurrency; records within a partition stay in
// order.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.client.Close()
	c.logger.Info().Int("concurrency", cap(c.sem)).Msg("Consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Consumer stopped")
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if err.Err == context.Canceled {
					continue
				}
				c.logger.Error().
					Err(err.Err).
					Str("topic", err.Topic).
					Int32("partition", err.Partition).
					Msg("Fetch error")
			}
		}

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			recs := p.Records
			wg.Add(1)
			c.sem <- struct{}{}
			go func() {
				defer func() { <-c.sem; wg.Done() }()
				defer monitoring.RecoverPanic(c.logger, "partitionWorker", map[string]any{
					"partition": recs[0].Partition,
				})
				c.processPartition(ctx, recs)
			}()
		})
		wg.Wait()
	}
}

// processPartition delivers a partition's records in order. PollFetches
// has already advanced the client's consume position past these records,
// so a transiently failing record is retried in place until it resolves:
// skipping it and committing any later offset would mark it consumed
// without it ever having been processed.
func (c *KafkaConsumer) processPartition(ctx context.Context, recs []*kgo.Record) {
	if c.cfg.Batch != nil {
		msgs := make([]*Message, len(recs))
		for i, r := range recs {
			msgs[i] = recordToMessage(r)
		}
		err := deliverWithRetry(ctx, func(ctx context.Context) error {
			err := c.cfg.Batch(ctx, msgs)
			if err != nil && !IsPermanent(err) {
				c.logger.Error().
					Err(err).
					Int64("offset", recs[0].Offset).
					Msg("Batch handler failed, retrying in place")
			}
			return err
		})
		if err != nil && !IsPermanent(err) {
			// Cancelled mid-retry; the uncommitted batch comes back after
			// restart or rebalance.
			return
		}
		c.commit(ctx, recs...)
		monitoring.MessagesConsumed.WithLabelValues(c.cfg.Topic, c.cfg.Group).Add(float64(len(recs)))
		return
	}

	for _, r := range recs {
		msg := recordToMessage(r)
		err := deliverWithRetry(ctx, func(ctx context.Context) error {
			err := c.handleOne(ctx, msg)
			if err != nil && !IsPermanent(err) {
				c.logger.Error().
					Err(err).
					Int64("offset", msg.Offset).
					Msg("Handler failed, retrying in place")
			}
			return err
		})
		if err != nil && !IsPermanent(err) {
			return
		}
		if err != nil {
			c.logger.Warn().
				Err(err).
				Int64("offset", msg.Offset).
				Msg("Permanent handler error, committing past message")
		}
		c.commit(ctx, r)
		monitoring.MessagesConsumed.WithLabelValues(c.cfg.Topic, c.cfg.Group).Inc()
	}
}

// handleOne isolates handler panics so a poison message cannot terminate
// the consumer loop. A panic is treated as a permanent error.
func (c *KafkaConsumer) handleOne(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Interface("panic_value", rec).
				Str("key", msg.Key).
				Int64("offset", msg.Offset).
				Msg("Handler panicked, committing past message")
			err = Permanent(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return c.cfg.Handler(ctx, msg)
}

func (c *KafkaConsumer) commit(ctx context.Context, recs ...*kgo.Record) {
	if err := c.client.CommitRecords(ctx, recs...); err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Msg("Offset commit failed")
	}
}

func recordToMessage(r *kgo.Record) *Message {
	return &Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Partition: r.Partition,
		Offset:    r.Offset,
	}
}
