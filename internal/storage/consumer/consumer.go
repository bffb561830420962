// Package consumer wires the bus to the storage pipeline: it decodes
// trigger events, consults the frame selector, uploads selected frames and
// indexes their metadata, in that order.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/quantbagel/nier/internal/monitoring"
	"github.com/quantbagel/nier/internal/pipeline"
	"github.com/quantbagel/nier/internal/storage/event"
	"github.com/quantbagel/nier/internal/storage/selector"
)

// FrameUploader uploads one frame and returns its object key.
type FrameUploader interface {
	UploadFrame(ctx context.Context, e *event.StorageTriggerEvent) (string, error)
}

// StorageConsumer consumes trigger events and persists selected frames.
type StorageConsumer struct {
	consumer *pipeline.Consumer
	selector *selector.Selector
	uploader FrameUploader
	indexer  indexFunc
	sem      *semaphore.Weighted
	log      *logrus.Entry
}

// indexFunc records one stored frame and returns its id string.
type indexFunc func(ctx context.Context, e *event.StorageTriggerEvent, s3Key, storageReason string) (string, error)

// New creates a storage consumer over an existing pipeline consumer.
func New(busConsumer *pipeline.Consumer, sel *selector.Selector, up FrameUploader, index indexFunc, uploadConcurrency int) *StorageConsumer {
	if uploadConcurrency < 1 {
		uploadConcurrency = 1
	}
	return &StorageConsumer{
		consumer: busConsumer,
		selector: sel,
		uploader: up,
		indexer:  index,
		sem:      semaphore.NewWeighted(int64(uploadConcurrency)),
		log:      logrus.WithField("component", "storage.consumer"),
	}
}

// Run consumes until the context is canceled.
func (c *StorageConsumer) Run(ctx context.Context) error {
	c.log.Info("starting storage consumer")
	return c.consumer.Run(ctx, pipeline.HandlerFunc(c.handleMessage))
}

// handleMessage processes one bus message. Returning an error routes the
// message to the DLQ when one is wired.
func (c *StorageConsumer) handleMessage(ctx context.Context, msg pipeline.IncomingMessage) error {
	var e event.StorageTriggerEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		monitoring.MessagesFailed.Inc()
		return fmt.Errorf("failed to deserialize storage trigger event: %w", err)
	}

	decision := c.selector.ShouldStore(&e)
	if !decision.Store {
		c.log.WithFields(logrus.Fields{
			"event_id":  e.EventID,
			"device_id": e.DeviceID,
			"reason":    decision.Reason,
		}).Debug("skipping frame storage")
		monitoring.FramesSkipped.Inc()
		monitoring.MessagesProcessed.Inc()
		return nil
	}

	c.log.WithFields(logrus.Fields{
		"event_id":  e.EventID,
		"device_id": e.DeviceID,
		"reason":    decision.Reason,
	}).Info("storing frame")

	if err := c.storeFrame(ctx, &e, decision.Reason); err != nil {
		monitoring.MessagesFailed.Inc()
		return err
	}

	monitoring.FramesStored.Inc()
	monitoring.MessagesProcessed.Inc()
	return nil
}

// storeFrame uploads then indexes one frame, bounded by the upload
// semaphore. The object bytes are written before the row commits; a DB
// failure leaves the object behind for offline reconciliation.
func (c *StorageConsumer) storeFrame(ctx context.Context, e *event.StorageTriggerEvent, reason string) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire upload slot: %w", err)
	}
	defer c.sem.Release(1)

	s3Key, err := c.uploader.UploadFrame(ctx, e)
	if err != nil {
		return fmt.Errorf("upload failed for event %s: %w", e.EventID, err)
	}

	frameID, err := c.indexer(ctx, e, s3Key, reason)
	if err != nil {
		return fmt.Errorf("indexing failed for event %s: %w", e.EventID, err)
	}

	c.log.WithFields(logrus.Fields{
		"event_id":   e.EventID,
		"frame_id":   frameID,
		"s3_key":     s3Key,
		"size_bytes": len(e.FrameData),
	}).Info("frame stored")
	return nil
}
