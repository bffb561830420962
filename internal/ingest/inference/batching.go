package inference

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/ingest/processor"
	"github.com/quantbagel/nier/internal/monitoring"
)

// BatchingClient accumulates processed frames into batches and ships them
// to the inference service. A batch is dispatched when it reaches the
// configured size or when the batch deadline elapses, whichever comes
// first. Dispatches are bounded by the concurrency semaphore.
type BatchingClient struct {
	client *Client
	cfg    config.InferenceConfig
	log    *logrus.Entry
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// NewBatchingClient creates a batching client over an established
// connection.
func NewBatchingClient(client *Client, cfg config.InferenceConfig) *BatchingClient {
	return &BatchingClient{
		client: client,
		cfg:    cfg,
		log:    logrus.WithField("component", "inference.batching"),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}
}

// Run consumes processed frames until the channel closes or the context is
// canceled. The current batch is flushed on exit and in-flight submissions
// are waited for.
func (b *BatchingClient) Run(ctx context.Context, in <-chan processor.ProcessedFrame) {
	b.log.WithFields(logrus.Fields{
		"batch_size":       b.cfg.BatchSize,
		"batch_timeout_ms": b.cfg.BatchTimeoutMs,
	}).Info("batching client started")

	var batch []processor.ProcessedFrame
	var deadline *time.Timer
	var deadlineC <-chan time.Time

	stopDeadline := func() {
		if deadline != nil {
			deadline.Stop()
			deadline = nil
			deadlineC = nil
		}
	}

	flush := func() {
		if len(batch) > 0 {
			b.dispatch(ctx, batch)
			batch = nil
		}
		stopDeadline()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case frame, ok := <-in:
			if !ok {
				break loop
			}
			// Arm the deadline only on the empty -> non-empty transition
			// so a trickle of frames cannot postpone dispatch forever.
			if len(batch) == 0 {
				deadline = time.NewTimer(b.cfg.BatchTimeout())
				deadlineC = deadline.C
			}
			batch = append(batch, frame)
			if len(batch) >= b.cfg.BatchSize {
				b.dispatch(ctx, batch)
				batch = nil
				stopDeadline()
			}
		case <-deadlineC:
			deadline = nil
			deadlineC = nil
			if len(batch) > 0 {
				b.dispatch(ctx, batch)
				batch = nil
			}
		}
	}

	flush()
	b.wg.Wait()
	b.log.Info("batching client stopped")
}

// dispatch ships one batch, bounded by the concurrency semaphore. Send
// failures mark every frame in the batch rejected; retries are
// transport-level only.
func (b *BatchingClient) dispatch(ctx context.Context, batch []processor.ProcessedFrame) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)

		req := &SubmitBatchRequest{
			DeviceID: batch[0].DeviceID,
			Frames:   make([]FramePayload, 0, len(batch)),
		}
		for _, f := range batch {
			req.Frames = append(req.Frames, FramePayload{
				FrameID:         f.FrameID,
				DeviceID:        f.DeviceID,
				Data:            f.Data,
				Width:           f.Width,
				Height:          f.Height,
				PixelFormat:     f.PixelFormat,
				Sequence:        f.Sequence,
				CapturedAtNanos: f.CapturedAt.UnixNano(),
			})
		}

		start := time.Now()
		resp, err := b.client.SubmitBatch(ctx, req)
		latency := time.Since(start)

		if err != nil {
			b.client.recordBatch(len(batch), 0, len(batch), latency)
			b.log.WithError(err).WithField("batch_size", len(batch)).Warn("batch rejected")
			return
		}

		b.client.recordBatch(len(batch), len(resp.AcceptedFrameIDs), len(resp.RejectedFrameIDs), latency)
		monitoring.IngestFramesSent.Add(float64(len(batch)))
		b.log.WithFields(logrus.Fields{
			"batch_size": len(batch),
			"accepted":   len(resp.AcceptedFrameIDs),
			"rejected":   len(resp.RejectedFrameIDs),
			"latency_ms": latency.Milliseconds(),
		}).Debug("batch submitted")
	}()
}
