package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/ingest/processor"
)

func testInferenceConfig() config.InferenceConfig {
	return config.InferenceConfig{
		Endpoint:              "localhost:50051",
		RequestTimeoutSecs:    1,
		ConnectionTimeoutSecs: 1,
		MaxConcurrentRequests: 4,
		BatchSize:             2,
		BatchTimeoutMs:        20,
		ConnectBaseDelayMs:    1,
		ConnectMaxDelayMs:     5,
		MaxConnectAttempts:    2,
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}

	req := &SubmitBatchRequest{
		DeviceID: "glasses-001",
		Frames: []FramePayload{{
			FrameID:     "glasses-001-0-123",
			DeviceID:    "glasses-001",
			Data:        []byte{1, 2, 3},
			Width:       320,
			Height:      240,
			PixelFormat: "RGB24",
		}},
	}

	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var decoded SubmitBatchRequest
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, *req, decoded)
	assert.Equal(t, "json", codec.Name())
}

func TestSubmitBatchNotConnected(t *testing.T) {
	client := NewClient(testInferenceConfig())
	_, err := client.SubmitBatch(context.Background(), &SubmitBatchRequest{})
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = client.HealthCheck(context.Background(), "d")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRecordBatchRunningAverage(t *testing.T) {
	client := NewClient(testInferenceConfig())

	client.recordBatch(2, 2, 0, 10*time.Millisecond)
	client.recordBatch(2, 1, 1, 30*time.Millisecond)

	stats := client.Stats()
	assert.Equal(t, uint64(4), stats.FramesSent)
	assert.Equal(t, uint64(3), stats.FramesAccepted)
	assert.Equal(t, uint64(1), stats.FramesRejected)
	assert.Equal(t, uint64(2), stats.BatchesSent)
	assert.InDelta(t, 20.0, stats.AvgLatencyMs, 0.001)
}

func frameForTest(seq uint64) processor.ProcessedFrame {
	return processor.ProcessedFrame{
		FrameID:     "d-0-0",
		DeviceID:    "d",
		Data:        []byte{0},
		Width:       1,
		Height:      1,
		PixelFormat: "RGB24",
		Sequence:    seq,
		CapturedAt:  time.Now(),
	}
}

func TestBatchingDispatchesBySize(t *testing.T) {
	// The client is never connected, so every dispatched batch fails and
	// its frames count as rejected. Three frames at batch size two means
	// two batches: one full, one flushed on channel close.
	client := NewClient(testInferenceConfig())
	batching := NewBatchingClient(client, testInferenceConfig())

	in := make(chan processor.ProcessedFrame)
	done := make(chan struct{})
	go func() {
		batching.Run(context.Background(), in)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		in <- frameForTest(uint64(i))
	}
	close(in)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batching client did not exit")
	}

	stats := client.Stats()
	assert.Equal(t, uint64(3), stats.FramesSent)
	assert.Equal(t, uint64(3), stats.FramesRejected)
	assert.Equal(t, uint64(2), stats.BatchesSent)
}

func TestBatchingDeadlineFlush(t *testing.T) {
	// A single frame below batch size must still be dispatched once the
	// batch deadline elapses.
	cfg := testInferenceConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeoutMs = 10
	client := NewClient(cfg)
	batching := NewBatchingClient(client, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan processor.ProcessedFrame, 1)
	done := make(chan struct{})
	go func() {
		batching.Run(ctx, in)
		close(done)
	}()

	in <- frameForTest(0)

	require.Eventually(t, func() bool {
		return client.Stats().BatchesSent == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestConnectWithRetryExhaustsAttempts(t *testing.T) {
	// No server listens on the endpoint; the cap must terminate the loop.
	cfg := testInferenceConfig()
	cfg.Endpoint = "127.0.0.1:1"
	cfg.MaxConnectAttempts = 2
	client := NewClient(cfg)

	err := client.ConnectWithRetry(context.Background())
	require.ErrorIs(t, err, ErrMaxConnectAttempts)
}
