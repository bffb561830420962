package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// dlqReasonProcessingFailed is the error reason recorded on messages routed
// to the DLQ after a handler failure.
const dlqReasonProcessingFailed = "Processing failed"

// Handler processes messages delivered by a Consumer.
type Handler interface {
	// Handle processes a single message. Returning an error routes the
	// message to the DLQ when a DLQ producer is wired.
	Handle(ctx context.Context, message IncomingMessage) error
	// OnError is called when Handle fails, before DLQ routing.
	OnError(ctx context.Context, message IncomingMessage, err error)
}

// HandlerFunc adapts a function to the Handler interface with a default
// OnError that logs the failure.
type HandlerFunc func(ctx context.Context, message IncomingMessage) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, message IncomingMessage) error {
	return f(ctx, message)
}

// OnError implements Handler.
func (f HandlerFunc) OnError(_ context.Context, message IncomingMessage, err error) {
	logrus.WithFields(logrus.Fields{
		"topic":     message.Metadata.Topic,
		"partition": message.Metadata.Partition,
		"offset":    message.Metadata.Offset,
	}).WithError(err).Warn("message processing failed")
}

// Consumer subscribes to pipeline topics and dispatches messages to a
// handler with at-least-once semantics.
type Consumer struct {
	client      *kgo.Client
	config      KafkaConfig
	dlqProducer *Producer
	log         *logrus.Entry
}

// NewConsumer creates a consumer subscribed to the given topics.
func NewConsumer(config KafkaConfig, topics ...string) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("failed to subscribe to topics: no topics given")
	}

	opts, err := config.clientOpts()
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	opts = append(opts,
		kgo.ConsumerGroup(config.Consumer.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.SessionTimeout(time.Duration(config.Consumer.SessionTimeoutMs)*time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(config.Consumer.HeartbeatIntervalMs)*time.Millisecond),
		kgo.RebalanceTimeout(time.Duration(config.Consumer.MaxPollIntervalMs)*time.Millisecond),
	)
	switch config.Consumer.AutoOffsetReset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	case "none":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NoResetOffset()))
	default: // earliest
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	if config.Consumer.EnableAutoCommit {
		opts = append(opts, kgo.AutoCommitInterval(time.Duration(config.Consumer.AutoCommitIntervalMs)*time.Millisecond))
	} else {
		opts = append(opts, kgo.DisableAutoCommit())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	log := logrus.WithField("component", "pipeline.consumer")
	log.WithFields(logrus.Fields{
		"brokers": config.BootstrapServers,
		"group":   config.Consumer.GroupID,
		"topics":  topics,
	}).Info("Kafka consumer created")

	return &Consumer{client: client, config: config, log: log}, nil
}

// NewDetectionsConsumer creates a consumer subscribed to the detections
// topic.
func NewDetectionsConsumer(config KafkaConfig) (*Consumer, error) {
	return NewConsumer(config, config.Topics.Detections)
}

// NewAllTopicsConsumer creates a consumer subscribed to the frames,
// detections and alerts topics.
func NewAllTopicsConsumer(config KafkaConfig) (*Consumer, error) {
	return NewConsumer(config, config.Topics.Frames, config.Topics.Detections, config.Topics.Alerts)
}

// WithDLQProducer wires a producer used to route failed messages to the
// dead letter queue.
func (c *Consumer) WithDLQProducer(producer *Producer) *Consumer {
	c.dlqProducer = producer
	return c
}

// Config returns the consumer's configuration.
func (c *Consumer) Config() *KafkaConfig {
	return &c.config
}

// Run polls the log and dispatches each message to the handler until the
// context is canceled. Handler failures are routed to the DLQ (when wired)
// and the offset is committed regardless, so poison messages never stall
// the partition. A final synchronous commit runs on exit when manual
// commits are in use.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.log.Info("starting message consumption loop")

	for {
		fetches := c.client.PollRecords(ctx, c.config.Consumer.MaxPollRecords)
		if fetches.IsClientClosed() {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.WithFields(logrus.Fields{
				"topic":     topic,
				"partition": partition,
			}).WithError(err).Error("consumer fetch error")
		})

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})

		for _, record := range records {
			incoming := convertRecord(record)

			if err := handler.Handle(ctx, incoming); err != nil {
				handler.OnError(ctx, incoming, err)
				if c.dlqProducer != nil {
					if _, dlqErr := c.dlqProducer.SendToDLQ(ctx, incoming.Metadata.Topic, incoming.Payload, dlqReasonProcessingFailed); dlqErr != nil {
						c.log.WithError(dlqErr).Error("failed to send message to DLQ")
					}
				}
			}

			if !c.config.Consumer.EnableAutoCommit {
				if err := c.client.CommitRecords(ctx, record); err != nil && ctx.Err() == nil {
					c.log.WithError(err).Warn("failed to commit offset")
				}
			}
		}
	}

	if !c.config.Consumer.EnableAutoCommit {
		commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.client.CommitUncommittedOffsets(commitCtx); err != nil {
			c.log.WithError(err).Warn("failed to commit on shutdown")
		}
	}

	c.log.Info("message consumption loop stopped")
	return nil
}

// RunWithCallback consumes messages with a plain callback instead of a
// Handler. Errors are logged; successful messages are committed when manual
// commits are in use.
func (c *Consumer) RunWithCallback(ctx context.Context, callback func(ctx context.Context, message IncomingMessage) error) error {
	return c.Run(ctx, HandlerFunc(callback))
}

// Close releases the consumer. Pending offsets are committed by Run before
// it returns; Close only tears down the client.
func (c *Consumer) Close() {
	c.client.Close()
}

// convertRecord maps a fetched record to an IncomingMessage.
func convertRecord(r *kgo.Record) IncomingMessage {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return IncomingMessage{
		Payload: r.Value,
		Metadata: MessageMetadata{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Timestamp: r.Timestamp,
			Headers:   headers,
		},
	}
}
