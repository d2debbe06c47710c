// Package kafka provides a Kafka-backed task queue. Each task queue maps to
// one topic and signatures are keyed by tenant so a tenant's tasks share a
// partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/internal/infra/taskqueue/serialization"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
)

// QueueMetrics defines metrics operations needed to monitor task delivery.
type QueueMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting the task queue to Kafka.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// TopicPrefix is prepended to each queue name to form its topic.
	TopicPrefix string
	// GroupID identifies the consumer group shared by all workers.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// CommitInterval bounds how long marked offsets wait before a commit.
	CommitInterval time.Duration
}

// Topic returns the topic a queue is published to.
func (c *Config) Topic(q tasks.QueueName) string { return c.TopicPrefix + q.String() }

// NewClient creates a Kafka client configured for both producing and
// consuming signatures with manual offset commits.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

var _ tasks.Queue = (*Queue)(nil)

// Queue implements tasks.Queue on top of a sync producer and a consumer group.
type Queue struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	cfg           *Config

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics QueueMetrics
}

// NewQueue wraps an existing producer and consumer group.
func NewQueue(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics QueueMetrics,
	tracer trace.Tracer,
) (*Queue, error) {
	if metrics == nil {
		return nil, errors.New("metrics are required for kafka task queue")
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	return &Queue{
		producer:      producer,
		consumerGroup: consumerGroup,
		cfg:           cfg,
		logger: logger.With(
			"component", "kafka_task_queue",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

// ConnectQueue creates a Queue from client, retrying producer and consumer
// group creation with exponential backoff while the cluster comes up.
func ConnectQueue(
	cfg *Config,
	client sarama.Client,
	logger *logger.Logger,
	metrics QueueMetrics,
	tracer trace.Tracer,
) (*Queue, error) {
	var queue *Queue

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		queue, err = NewQueue(producer, consumerGroup, cfg, logger, metrics, tracer)
		if err != nil {
			producer.Close()
			consumerGroup.Close()
			return fmt.Errorf("creating task queue: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect task queue after retries: %w", err)
	}
	return queue, nil
}

// Enqueue publishes sig to the topic of its queue, keyed by tenant.
func (q *Queue) Enqueue(ctx context.Context, sig tasks.Signature) error {
	if sig.Queue == "" {
		sig.Queue = sig.Name.Queue()
	}
	topic := q.cfg.Topic(sig.Queue)

	ctx, span := startProducerSpan(ctx, topic, q.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", sig.Name.String()),
		attribute.String("task.id", sig.ID),
	)

	data, err := serialization.MarshalSignature(sig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize signature")
		q.metrics.IncPublishError(ctx, topic)
		return err
	}

	return q.publish(ctx, topic, sig.TenantID.String(), data)
}

func (q *Queue) publish(ctx context.Context, topic, key string, data []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		q.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	q.metrics.IncMessagePublished(ctx, topic)

	q.logger.Debug(ctx, "Published task to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", key,
	)
	return nil
}

// Consume joins the consumer group for queues and delivers signatures to
// handler until ctx is cancelled. A signature whose handler fails is
// republished before its offset is marked, so delivery is at least once.
func (q *Queue) Consume(
	ctx context.Context,
	queues []tasks.QueueName,
	handler func(ctx context.Context, sig tasks.Signature) error,
) error {
	topics := make([]string, 0, len(queues))
	for _, name := range queues {
		topics = append(topics, q.cfg.Topic(name))
	}

	cgHandler := &signatureHandler{queue: q, handler: handler}
	for {
		if err := q.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			q.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// signatureHandler implements sarama.ConsumerGroupHandler.
type signatureHandler struct {
	queue   *Queue
	handler func(ctx context.Context, sig tasks.Signature) error
}

func (h *signatureHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.queue.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *signatureHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.queue.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *signatureHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	q := h.queue
	log := q.logger.With("operation", "consume_claim", "partition", claim.Partition())
	lastCommit := time.Now()

	for msg := range claim.Messages() {
		h.process(sess, msg, log)

		sess.MarkMessage(msg, "")
		if time.Since(lastCommit) > q.cfg.CommitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}

	sess.Commit()
	return nil
}

func (h *signatureHandler) process(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, log *logger.Logger) {
	q := h.queue
	msgCtx := extractTraceContext(sess.Context(), msg)
	msgCtx, span := startConsumerSpan(msgCtx, msg, q.tracer)
	defer span.End()

	sig, err := serialization.UnmarshalSignature(msg.Value)
	if err != nil {
		q.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable signature")
		log.Error(msgCtx, "Dropping undecodable task message", "offset", msg.Offset, "error", err)
		return
	}
	span.SetAttributes(attribute.String("task.name", sig.Name.String()), attribute.String("task.id", sig.ID))

	if err := h.handler(msgCtx, sig); err != nil {
		q.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		log.Warn(msgCtx, "Task handler failed, redelivering", "task", sig.Name.String(), "error", err)
		if perr := q.publish(msgCtx, msg.Topic, string(msg.Key), msg.Value); perr != nil {
			span.SetStatus(codes.Error, "redelivery failed")
			log.Error(msgCtx, "Failed to redeliver task", "task", sig.Name.String(), "error", perr)
		}
		return
	}

	q.metrics.IncMessageConsumed(msgCtx, msg.Topic)
	span.SetStatus(codes.Ok, "task handled")
}

// Close shuts down the producer and the consumer group.
func (q *Queue) Close() error {
	ctx, span := q.tracer.Start(context.Background(), "kafka_task_queue.close")
	defer span.End()

	if err := q.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		q.logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := q.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		q.logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "closed task queue")
	q.logger.Info(ctx, "Closed task queue")
	return nil
}
