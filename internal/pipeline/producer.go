package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes messages to the pipeline topics with configurable
// delivery guarantees.
type Producer struct {
	client *kgo.Client
	config KafkaConfig
	log    *logrus.Entry
}

// NewProducer creates a producer from the given configuration.
func NewProducer(config KafkaConfig) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts, err := config.clientOpts()
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	retryBackoff := time.Duration(config.Reliability.RetryBackoffMs) * time.Millisecond
	opts = append(opts,
		kgo.RequiredAcks(config.acks()),
		kgo.RecordRetries(config.Reliability.Retries),
		kgo.RetryBackoffFn(func(int) time.Duration { return retryBackoff }),
		kgo.ProduceRequestTimeout(config.RequestTimeout()),
		kgo.ProducerLinger(time.Duration(config.Producer.LingerMs)*time.Millisecond),
		kgo.ProducerBatchMaxBytes(int32(config.Producer.BatchSize)),
		kgo.ProducerBatchCompression(config.compressionCodec()),
	)
	// Idempotent writes require acks=all and one in-flight produce request
	// per broker; franz-go enforces both, so the flag is only honored when
	// the acks setting allows it, and the configured in-flight limit applies
	// only when idempotent writes are off.
	if !config.Reliability.EnableIdempotence || config.Reliability.Acks == "0" || config.Reliability.Acks == "1" {
		opts = append(opts,
			kgo.DisableIdempotentWrite(),
			kgo.MaxProduceRequestsInflightPerBroker(config.Producer.MaxInFlightRequests),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	log := logrus.WithField("component", "pipeline.producer")
	log.WithField("brokers", config.BootstrapServers).Info("Kafka producer created")

	return &Producer{client: client, config: config, log: log}, nil
}

// Config returns the producer's configuration.
func (p *Producer) Config() *KafkaConfig {
	return &p.config
}

// Send publishes a message and waits for the delivery confirmation.
func (p *Producer) Send(ctx context.Context, message OutgoingMessage) (DeliveryResult, error) {
	record := &kgo.Record{
		Topic: message.Topic,
		Value: message.Payload,
	}
	if message.Key != "" {
		record.Key = []byte(message.Key)
	}
	for _, h := range message.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: h.Key, Value: []byte(h.Value)})
	}

	result := p.client.ProduceSync(ctx, record)
	r, err := result.First()
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to send message to topic %s: %w", message.Topic, err)
	}

	p.log.WithFields(logrus.Fields{
		"topic":     r.Topic,
		"partition": r.Partition,
		"offset":    r.Offset,
	}).Debug("message delivered")

	return DeliveryResult{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       message.Key,
	}, nil
}

// BatchResult is the outcome of a single message within a batch send.
type BatchResult struct {
	Result DeliveryResult
	Err    error
}

// SendBatch publishes many messages concurrently and returns per-message
// results in input order.
func (p *Producer) SendBatch(ctx context.Context, messages []OutgoingMessage) []BatchResult {
	results := make([]BatchResult, len(messages))
	var wg sync.WaitGroup
	for i, msg := range messages {
		wg.Add(1)
		go func(i int, msg OutgoingMessage) {
			defer wg.Done()
			res, err := p.Send(ctx, msg)
			results[i] = BatchResult{Result: res, Err: err}
		}(i, msg)
	}
	wg.Wait()
	return results
}

// SendDetectionEvent publishes a detection event keyed by its event id.
func (p *Producer) SendDetectionEvent(ctx context.Context, payload []byte, eventID string) (DeliveryResult, error) {
	msg := NewMessage(p.config.Topics.Detections, payload).
		WithKey(eventID).
		WithMessageType(MessageTypeDetectionEvent).
		WithCorrelationID(eventID)
	return p.Send(ctx, msg)
}

// SendFrameMetadata publishes frame metadata keyed by its frame id.
func (p *Producer) SendFrameMetadata(ctx context.Context, payload []byte, frameID string) (DeliveryResult, error) {
	msg := NewMessage(p.config.Topics.Frames, payload).
		WithKey(frameID).
		WithMessageType(MessageTypeFrameMetadata)
	return p.Send(ctx, msg)
}

// SendAlert publishes an alert keyed by its alert id.
func (p *Producer) SendAlert(ctx context.Context, payload []byte, alertID string) (DeliveryResult, error) {
	msg := NewMessage(p.config.Topics.Alerts, payload).
		WithKey(alertID).
		WithMessageType(MessageTypeAlert).
		WithCorrelationID(alertID)
	return p.Send(ctx, msg)
}

// SendToDLQ wraps the original payload in a dead-letter envelope and
// publishes it to the DLQ topic under a fresh UUID key.
func (p *Producer) SendToDLQ(ctx context.Context, originalTopic string, originalMessage []byte, reason string) (DeliveryResult, error) {
	envelope := DLQEnvelope{
		OriginalTopic:         originalTopic,
		OriginalMessageBase64: base64.StdEncoding.EncodeToString(originalMessage),
		Error:                 reason,
		Timestamp:             time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to serialize DLQ envelope: %w", err)
	}

	msg := NewMessage(p.config.Topics.DeadLetterQueue, payload).
		WithKey(uuid.NewString()).
		WithMessageType(MessageTypeDeadLetter).
		WithHeader(HeaderOriginalTopic, originalTopic).
		WithHeader(HeaderErrorReason, reason)
	return p.Send(ctx, msg)
}

// Flush blocks until all buffered messages are delivered or the timeout
// expires.
func (p *Producer) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("producer flush timed out after %s: %w", timeout, err)
	}
	return nil
}

// Close flushes pending messages with a bounded timeout and releases the
// client. Flush failures are logged, not returned.
func (p *Producer) Close() {
	if err := p.Flush(5 * time.Second); err != nil {
		p.log.WithError(err).Warn("failed to flush producer on shutdown")
	}
	p.client.Close()
}
