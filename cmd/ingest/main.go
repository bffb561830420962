// The ingest service captures video from worker-worn camera glasses over
// RTSP, decimates and resizes the frames, and submits them to the inference
// service in batches:
//
//	RTSP stream -> stream.Client -> processor.Processor -> inference.BatchingClient
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/ingest/inference"
	"github.com/quantbagel/nier/internal/ingest/processor"
	"github.com/quantbagel/nier/internal/ingest/stream"
	"github.com/quantbagel/nier/internal/monitoring"
	"github.com/quantbagel/nier/internal/version"
)

func main() {
	configDir := flag.String("config", "config", "configuration directory")
	flag.Parse()

	cfg, err := config.LoadIngest(*configDir)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	monitoring.InitLogging(cfg.Logging.Level, cfg.Logging.Format)

	log := logrus.WithFields(logrus.Fields{
		"service":   "nier-ingest",
		"version":   version.Version,
		"device_id": cfg.RTSP.DeviceID,
	})
	log.Info("starting RTSP ingest service")

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	if cfg.Health.EnableMetrics {
		go func() {
			if err := monitoring.ServeMetrics(cfg.Health.MetricsPort); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("ingest service failed")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.IngestConfig, log *logrus.Entry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Connect to the inference service first; a dead endpoint is a startup
	// failure once the retry cap is exhausted.
	client := inference.NewClient(cfg.Inference)
	log.Info("connecting to inference service")
	if err := client.ConnectWithRetry(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	factory := stream.NewRTSPSourceFactory(stream.NewRawRGBDecoder())
	streamClient := stream.NewClient(cfg.RTSP, factory)

	log.WithField("url", cfg.RTSP.URL).Info("starting RTSP stream")
	rawFrames, err := streamClient.Start(ctx)
	if err != nil {
		return err
	}

	proc := processor.New(cfg.Processing, cfg.RTSP.DeviceID)
	processedFrames := make(chan processor.ProcessedFrame, cfg.Processing.QueueSize)

	batching := inference.NewBatchingClient(client, cfg.Inference)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := streamClient.Run(ctx); err != nil {
			// A terminal stream failure (reconnect cap reached) takes the
			// whole service down.
			log.WithError(err).Error("stream supervisor exited")
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		proc.Run(ctx, rawFrames, processedFrames)
		close(processedFrames)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		batching.Run(ctx, processedFrames)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runHealthMonitor(ctx, cfg, streamClient, client, log)
	}()

	<-ctx.Done()
	log.Info("initiating graceful shutdown")

	// Shutdown order: stop the stream, drain the processor, flush the
	// inference client. Closing the raw frame channel unwinds the chain.
	streamClient.Stop()
	proc.Stop()
	wg.Wait()

	logFinalStats(streamClient, proc, client, log)
	return nil
}

// runHealthMonitor periodically probes the inference service and logs
// pipeline statistics.
func runHealthMonitor(ctx context.Context, cfg config.IngestConfig, streamClient *stream.Client, client *inference.Client, log *logrus.Entry) {
	ticker := time.NewTicker(time.Duration(cfg.Health.IntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		healthy, err := client.HealthCheck(ctx, cfg.RTSP.DeviceID)
		if err != nil {
			log.WithError(err).Error("health check failed")
		} else if !healthy {
			log.Warn("inference service reported unhealthy")
		}

		streamStats := streamClient.Stats()
		log.WithFields(logrus.Fields{
			"frames_received": streamStats.FramesReceived,
			"frames_dropped":  streamStats.FramesDropped,
			"fps":             streamStats.CurrentFPS,
			"reconnects":      streamStats.ReconnectCount,
		}).Info("stream stats")

		clientStats := client.Stats()
		log.WithFields(logrus.Fields{
			"frames_sent":     clientStats.FramesSent,
			"frames_accepted": clientStats.FramesAccepted,
			"frames_rejected": clientStats.FramesRejected,
			"avg_latency_ms":  clientStats.AvgLatencyMs,
		}).Info("inference client stats")
	}
}

func logFinalStats(streamClient *stream.Client, proc *processor.Processor, client *inference.Client, log *logrus.Entry) {
	streamStats := streamClient.Stats()
	log.WithFields(logrus.Fields{
		"frames_received": streamStats.FramesReceived,
		"frames_dropped":  streamStats.FramesDropped,
		"bytes_received":  streamStats.BytesReceived,
		"reconnect_count": streamStats.ReconnectCount,
	}).Info("stream final stats")

	procStats := proc.Stats()
	log.WithFields(logrus.Fields{
		"frames_processed":            procStats.FramesProcessed,
		"frames_dropped_rate_limit":   procStats.FramesDroppedRateLimit,
		"frames_dropped_backpressure": procStats.FramesDroppedBackpressure,
		"avg_processing_time_us":      procStats.AvgProcessingTimeUs,
	}).Info("processor final stats")

	clientStats := client.Stats()
	log.WithFields(logrus.Fields{
		"frames_sent":     clientStats.FramesSent,
		"frames_accepted": clientStats.FramesAccepted,
		"frames_rejected": clientStats.FramesRejected,
		"batches_sent":    clientStats.BatchesSent,
		"avg_latency_ms":  clientStats.AvgLatencyMs,
	}).Info("inference final stats")
}
