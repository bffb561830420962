package pipeline

import "time"

// Conventional header names used across the pipeline.
const (
	HeaderCorrelationID = "correlation-id"
	HeaderMessageType   = "message-type"
	HeaderOriginalTopic = "original-topic"
	HeaderErrorReason   = "error-reason"
)

// Message type header values.
const (
	MessageTypeFrameMetadata  = "frame_metadata"
	MessageTypeDetectionEvent = "detection_event"
	MessageTypeAlert          = "alert"
	MessageTypeDeadLetter     = "dead_letter"
)

// Header is a single string key/value message header.
type Header struct {
	Key   string
	Value string
}

// OutgoingMessage is a message to be published.
type OutgoingMessage struct {
	// Topic to publish to.
	Topic string
	// Optional key for partitioning.
	Key string
	// Serialized payload.
	Payload []byte
	// Headers, preserved exactly.
	Headers []Header
}

// NewMessage creates an outgoing message for the given topic and payload.
func NewMessage(topic string, payload []byte) OutgoingMessage {
	return OutgoingMessage{Topic: topic, Payload: payload}
}

// WithKey sets the message key.
func (m OutgoingMessage) WithKey(key string) OutgoingMessage {
	m.Key = key
	return m
}

// WithHeader appends a header.
func (m OutgoingMessage) WithHeader(key, value string) OutgoingMessage {
	m.Headers = append(m.Headers, Header{Key: key, Value: value})
	return m
}

// WithCorrelationID appends a correlation-id header.
func (m OutgoingMessage) WithCorrelationID(id string) OutgoingMessage {
	return m.WithHeader(HeaderCorrelationID, id)
}

// WithMessageType appends a message-type header.
func (m OutgoingMessage) WithMessageType(msgType string) OutgoingMessage {
	return m.WithHeader(HeaderMessageType, msgType)
}

// DeliveryResult reports where a message landed on the log.
type DeliveryResult struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
}

// MessageMetadata describes where a received message came from.
type MessageMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Timestamp time.Time
	Headers   map[string]string
}

// IncomingMessage is a received message with its payload and metadata.
type IncomingMessage struct {
	Payload  []byte
	Metadata MessageMetadata
}

// KeyString returns the message key as a string, or "" when absent.
func (m *IncomingMessage) KeyString() string {
	return string(m.Metadata.Key)
}

// Header returns a header value, or "" when absent.
func (m *IncomingMessage) Header(key string) string {
	return m.Metadata.Headers[key]
}

// CorrelationID returns the correlation-id header.
func (m *IncomingMessage) CorrelationID() string {
	return m.Header(HeaderCorrelationID)
}

// MessageType returns the message-type header.
func (m *IncomingMessage) MessageType() string {
	return m.Header(HeaderMessageType)
}

// DLQEnvelope wraps a message routed to the dead letter queue with enough
// context to replay it.
type DLQEnvelope struct {
	OriginalTopic         string `json:"original_topic"`
	OriginalMessageBase64 string `json:"original_message_base64"`
	Error                 string `json:"error"`
	Timestamp             string `json:"timestamp"`
}
