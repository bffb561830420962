package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/pipeline"
	"github.com/quantbagel/nier/internal/storage/event"
	"github.com/quantbagel/nier/internal/storage/selector"
)

// fakeUploader records uploads and can fail.
type fakeUploader struct {
	uploads []uuid.UUID
	err     error
}

func (f *fakeUploader) UploadFrame(_ context.Context, e *event.StorageTriggerEvent) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, e.EventID)
	return "frames/2024-01-15/d/manual/000000000_" + e.EventID.String() + ".jpeg", nil
}

type indexCall struct {
	eventID uuid.UUID
	s3Key   string
	reason  string
}

func newTestConsumer(up *fakeUploader, indexed *[]indexCall, indexErr error) *StorageConsumer {
	sel := selector.New(config.FrameSelectionConfig{
		StoreDetections: true,
		StoreSamples:    true,
		SampleRate:      30,
		StoreDebug:      true,
		MinConfidence:   0.5,
		MaxFrameAgeSecs: 300,
	})
	index := func(_ context.Context, e *event.StorageTriggerEvent, s3Key, reason string) (string, error) {
		if indexErr != nil {
			return "", indexErr
		}
		*indexed = append(*indexed, indexCall{eventID: e.EventID, s3Key: s3Key, reason: reason})
		return uuid.NewString(), nil
	}
	return New(nil, sel, up, index, 2)
}

func messageFor(t *testing.T, e *event.StorageTriggerEvent) pipeline.IncomingMessage {
	t.Helper()
	payload, err := json.Marshal(e)
	require.NoError(t, err)
	return pipeline.IncomingMessage{
		Payload: payload,
		Metadata: pipeline.MessageMetadata{
			Topic:     "nier.frames",
			Partition: 0,
			Offset:    1,
			Headers:   map[string]string{pipeline.HeaderMessageType: pipeline.MessageTypeFrameMetadata},
		},
	}
}

func triggerEvent(triggerType string) *event.StorageTriggerEvent {
	return &event.StorageTriggerEvent{
		EventID:     uuid.New(),
		DeviceID:    "glasses-001",
		Timestamp:   time.Now(),
		FrameNumber: 1,
		FrameData:   event.FrameData{1, 2, 3},
		Width:       640,
		Height:      480,
		Format:      "jpeg",
		TriggerType: triggerType,
	}
}

func TestStoredFrameUploadsThenIndexes(t *testing.T) {
	up := &fakeUploader{}
	var indexed []indexCall
	c := newTestConsumer(up, &indexed, nil)

	e := triggerEvent(event.TriggerManual)
	require.NoError(t, c.handleMessage(context.Background(), messageFor(t, e)))

	// Upload precedes the index commit, and both reference the same key.
	require.Len(t, up.uploads, 1)
	require.Len(t, indexed, 1)
	assert.Equal(t, e.EventID, up.uploads[0])
	assert.Equal(t, e.EventID, indexed[0].eventID)
	assert.Contains(t, indexed[0].s3Key, e.EventID.String())
	assert.Equal(t, "Manual trigger", indexed[0].reason)
}

func TestSkippedFrameDoesNotUpload(t *testing.T) {
	up := &fakeUploader{}
	var indexed []indexCall
	c := newTestConsumer(up, &indexed, nil)

	e := triggerEvent(event.TriggerManual)
	e.Timestamp = time.Now().Add(-10 * time.Minute) // older than max age

	require.NoError(t, c.handleMessage(context.Background(), messageFor(t, e)))
	assert.Empty(t, up.uploads)
	assert.Empty(t, indexed)
}

func TestMalformedPayloadReturnsError(t *testing.T) {
	up := &fakeUploader{}
	var indexed []indexCall
	c := newTestConsumer(up, &indexed, nil)

	msg := pipeline.IncomingMessage{Payload: []byte("not json")}
	err := c.handleMessage(context.Background(), msg)
	require.Error(t, err)
	assert.Empty(t, up.uploads)
}

func TestUploadFailurePreventsIndex(t *testing.T) {
	up := &fakeUploader{err: errors.New("S3 unavailable")}
	var indexed []indexCall
	c := newTestConsumer(up, &indexed, nil)

	err := c.handleMessage(context.Background(), messageFor(t, triggerEvent(event.TriggerManual)))
	require.Error(t, err)
	assert.Empty(t, indexed)
}

func TestIndexFailurePropagates(t *testing.T) {
	up := &fakeUploader{}
	var indexed []indexCall
	c := newTestConsumer(up, &indexed, errors.New("database down"))

	err := c.handleMessage(context.Background(), messageFor(t, triggerEvent(event.TriggerManual)))
	require.Error(t, err)
	// The object was written before the index failed; reconciliation is
	// offline.
	assert.Len(t, up.uploads, 1)
}
