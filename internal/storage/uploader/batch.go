package uploader

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/quantbagel/nier/internal/storage/event"
)

// BatchResult is the outcome for one event in a batch upload.
type BatchResult struct {
	Key string
	Err error
}

// BatchUploader uploads many frames with bounded concurrency.
type BatchUploader struct {
	uploader    *Uploader
	concurrency int64
}

// NewBatchUploader wraps an uploader with a concurrency bound.
func NewBatchUploader(uploader *Uploader, concurrency int) *BatchUploader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchUploader{uploader: uploader, concurrency: int64(concurrency)}
}

// UploadBatch uploads every event concurrently, bounded by the configured
// concurrency, and returns per-event results in input order.
func (b *BatchUploader) UploadBatch(ctx context.Context, events []*event.StorageTriggerEvent) []BatchResult {
	results := make([]BatchResult, len(events))
	sem := semaphore.NewWeighted(b.concurrency)

	for i, e := range events {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = BatchResult{Err: err}
			continue
		}
		go func(i int, e *event.StorageTriggerEvent) {
			defer sem.Release(1)
			key, err := b.uploader.UploadFrame(ctx, e)
			results[i] = BatchResult{Key: key, Err: err}
		}(i, e)
	}

	// Draining the semaphore waits for all in-flight uploads.
	_ = sem.Acquire(context.Background(), b.concurrency)
	return results
}
