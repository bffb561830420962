// The storage service consumes frame trigger events from the bus, selects
// which frames to persist, uploads them to the object store, indexes their
// metadata and serves the signed-URL playback API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/monitoring"
	"github.com/quantbagel/nier/internal/pipeline"
	"github.com/quantbagel/nier/internal/storage/api"
	storageconsumer "github.com/quantbagel/nier/internal/storage/consumer"
	"github.com/quantbagel/nier/internal/storage/event"
	"github.com/quantbagel/nier/internal/storage/metadata"
	"github.com/quantbagel/nier/internal/storage/selector"
	"github.com/quantbagel/nier/internal/storage/uploader"
	"github.com/quantbagel/nier/internal/version"
)

func main() {
	configDir := flag.String("config", "config", "configuration directory")
	flag.Parse()

	cfg, err := config.LoadStorage(*configDir)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	monitoring.InitLogging(cfg.Logging.Level, cfg.Logging.Format)

	log := logrus.WithFields(logrus.Fields{
		"service": cfg.Service.Name,
		"version": version.Version,
	})
	log.Info("starting Nier storage service")

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	go func() {
		if err := monitoring.ServeMetrics(cfg.Service.MetricsPort); err != nil {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("storage service failed")
		os.Exit(1)
	}
	log.Info("storage service stopped")
}

func run(ctx context.Context, cfg config.StorageConfig, log *logrus.Entry) error {
	store, err := metadata.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Database.RunMigrations {
		if err := store.Migrate(); err != nil {
			return err
		}
	}

	up, err := uploader.New(ctx, cfg.S3)
	if err != nil {
		return err
	}

	sel := selector.New(cfg.FrameSelection)

	dlqProducer, err := pipeline.NewProducer(cfg.Kafka)
	if err != nil {
		return err
	}
	defer dlqProducer.Close()

	busConsumer, err := pipeline.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Frames)
	if err != nil {
		return err
	}
	busConsumer.WithDLQProducer(dlqProducer)
	defer busConsumer.Close()

	indexFn := func(ctx context.Context, e *event.StorageTriggerEvent, s3Key, reason string) (string, error) {
		id, err := store.IndexFrame(ctx, e, s3Key, reason)
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}
	consumer := storageconsumer.New(busConsumer, sel, up, indexFn, cfg.S3.UploadConcurrency)

	var presigner api.Presigner
	if client, ok := up.Client().(*s3.Client); ok {
		presigner = api.NewS3Presigner(client, cfg.S3.Bucket)
	}
	server := api.NewServer(store, presigner, cfg.S3.PresignedURLExpiry(), cfg.API)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			log.WithError(err).Error("bus consumer error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx); err != nil {
			log.WithError(err).Error("API server error")
		}
	}()

	log.Info("storage service started")
	<-ctx.Done()
	log.Info("shutting down storage service")

	wg.Wait()
	return nil
}
