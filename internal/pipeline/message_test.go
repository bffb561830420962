package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingMessageBuilder(t *testing.T) {
	msg := NewMessage("test", []byte{1, 2, 3}).
		WithKey("my-key").
		WithHeader("header1", "value1").
		WithCorrelationID("corr-123")

	assert.Equal(t, "my-key", msg.Key)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, Header{Key: "header1", Value: "value1"}, msg.Headers[0])
	assert.Equal(t, Header{Key: HeaderCorrelationID, Value: "corr-123"}, msg.Headers[1])
}

func TestIncomingMessageHelpers(t *testing.T) {
	msg := IncomingMessage{
		Payload: []byte{1, 2, 3},
		Metadata: MessageMetadata{
			Topic:     "test",
			Partition: 0,
			Offset:    100,
			Key:       []byte("key"),
			Timestamp: time.Now(),
			Headers: map[string]string{
				HeaderCorrelationID: "test-123",
				HeaderMessageType:   MessageTypeDetectionEvent,
			},
		},
	}

	assert.Equal(t, "test-123", msg.CorrelationID())
	assert.Equal(t, MessageTypeDetectionEvent, msg.MessageType())
	assert.Equal(t, "key", msg.KeyString())
	assert.Equal(t, "", msg.Header("missing"))
}

func TestDLQEnvelopeRoundTrip(t *testing.T) {
	original := []byte("some payload bytes")
	envelope := DLQEnvelope{
		OriginalTopic:         "nier.frames",
		OriginalMessageBase64: base64.StdEncoding.EncodeToString(original),
		Error:                 "Processing failed",
		Timestamp:             time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded DLQEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, envelope, decoded)

	payload, err := base64.StdEncoding.DecodeString(decoded.OriginalMessageBase64)
	require.NoError(t, err)
	assert.Equal(t, original, payload)
}

func TestDLQEnvelopeFieldNames(t *testing.T) {
	data, err := json.Marshal(DLQEnvelope{OriginalTopic: "t"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"original_topic", "original_message_base64", "error", "timestamp"} {
		assert.Contains(t, m, key)
	}
}
