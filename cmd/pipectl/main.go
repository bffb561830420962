// pipectl exercises the pipeline library against a live broker: it can
// publish example messages, consume and process them with DLQ routing, or
// both. Useful for smoke-testing a new cluster.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbagel/nier/internal/monitoring"
	"github.com/quantbagel/nier/internal/pipeline"
)

func main() {
	monitoring.InitLogging("info", "pretty")
	log := logrus.WithField("service", "pipectl")

	cfg := pipeline.FromEnv()
	log.WithFields(logrus.Fields{
		"brokers": cfg.BootstrapServers,
		"group":   cfg.Consumer.GroupID,
	}).Info("pipeline configuration loaded")

	mode := "both"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case "producer":
		err = runProducer(ctx, cfg, log)
	case "consumer":
		err = runConsumer(ctx, cfg, log)
	case "both":
		err = runBoth(ctx, cfg, log)
	default:
		usage()
		return
	}
	if err != nil {
		log.WithError(err).Fatal("pipectl failed")
	}
}

func usage() {
	fmt.Println("Usage: pipectl [producer|consumer|both]")
	fmt.Println()
	fmt.Println("Modes:")
	fmt.Println("  producer - send example messages to the bus")
	fmt.Println("  consumer - receive and process messages from the bus")
	fmt.Println("  both     - run both producer and consumer (default)")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  KAFKA_BOOTSTRAP_SERVERS - broker addresses (default: localhost:9092)")
	fmt.Println("  KAFKA_GROUP_ID          - consumer group ID (default: nier-pipeline)")
	fmt.Println("  KAFKA_CLIENT_ID         - client ID (default: nier-pipeline)")
	fmt.Println("  KAFKA_SECURITY_PROTOCOL - plaintext, ssl, sasl_plaintext or sasl_ssl")
	fmt.Println("  KAFKA_SASL_USERNAME     - SASL username")
	fmt.Println("  KAFKA_SASL_PASSWORD     - SASL password")
	fmt.Println("  KAFKA_SSL_CA_LOCATION   - CA certificate path")
}

func runProducer(ctx context.Context, cfg pipeline.KafkaConfig, log *logrus.Entry) error {
	producer, err := pipeline.NewProducer(cfg)
	if err != nil {
		return err
	}
	defer producer.Close()

	for i := 0; i < 5; i++ {
		msg := pipeline.NewMessage(cfg.Topics.Detections, []byte(fmt.Sprintf("example detection event %d", i))).
			WithKey(fmt.Sprintf("event-%d", i)).
			WithMessageType(pipeline.MessageTypeDetectionEvent).
			WithCorrelationID(fmt.Sprintf("corr-%d", i))

		result, err := producer.Send(ctx, msg)
		if err != nil {
			log.WithError(err).WithField("index", i).Error("failed to send message")
			continue
		}
		log.WithFields(logrus.Fields{
			"index":     i,
			"partition": result.Partition,
			"offset":    result.Offset,
		}).Info("message sent")
	}

	return producer.Flush(5 * time.Second)
}

// exampleHandler logs each message by type; unknown types are tolerated.
type exampleHandler struct {
	log *logrus.Entry
}

func (h *exampleHandler) Handle(_ context.Context, msg pipeline.IncomingMessage) error {
	h.log.WithFields(logrus.Fields{
		"topic":        msg.Metadata.Topic,
		"partition":    msg.Metadata.Partition,
		"offset":       msg.Metadata.Offset,
		"message_type": msg.MessageType(),
		"size":         len(msg.Payload),
	}).Info("message received")
	return nil
}

func (h *exampleHandler) OnError(_ context.Context, msg pipeline.IncomingMessage, err error) {
	h.log.WithFields(logrus.Fields{
		"topic":     msg.Metadata.Topic,
		"partition": msg.Metadata.Partition,
		"offset":    msg.Metadata.Offset,
	}).WithError(err).Error("failed to process message")
}

func runConsumer(ctx context.Context, cfg pipeline.KafkaConfig, log *logrus.Entry) error {
	producer, err := pipeline.NewProducer(cfg)
	if err != nil {
		return err
	}
	defer producer.Close()

	consumer, err := pipeline.NewDetectionsConsumer(cfg)
	if err != nil {
		return err
	}
	consumer.WithDLQProducer(producer)
	defer consumer.Close()

	return consumer.Run(ctx, &exampleHandler{log: log})
}

func runBoth(ctx context.Context, cfg pipeline.KafkaConfig, log *logrus.Entry) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- runConsumer(ctx, cfg, log)
	}()

	// Give the consumer time to join the group before producing.
	time.Sleep(2 * time.Second)

	if err := runProducer(ctx, cfg, log); err != nil {
		return err
	}

	log.Info("press Ctrl+C to stop the consumer")
	return <-errCh
}
