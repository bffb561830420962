// Package inference submits processed frames to the inference service over
// gRPC, batching by size or deadline with bounded request concurrency.
package inference

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/quantbagel/nier/internal/config"
)

// ErrNotConnected is returned when a call is made before Connect succeeds.
var ErrNotConnected = errors.New("inference client is not connected")

// ErrMaxConnectAttempts is returned when the connection retry cap is
// reached.
var ErrMaxConnectAttempts = errors.New("maximum connection attempts exceeded")

// Stats are cumulative inference client statistics. AvgLatencyMs is a
// running average over completed batches.
type Stats struct {
	FramesSent     uint64
	FramesAccepted uint64
	FramesRejected uint64
	BatchesSent    uint64
	AvgLatencyMs   float64
}

// Client is the gRPC connection to the inference service.
type Client struct {
	cfg config.InferenceConfig
	log *logrus.Entry

	connMu sync.RWMutex
	conn   *grpc.ClientConn

	statsMu sync.RWMutex
	stats   Stats
}

// NewClient creates an unconnected inference client.
func NewClient(cfg config.InferenceConfig) *Client {
	return &Client{
		cfg: cfg,
		log: logrus.WithField("component", "inference"),
	}
}

// Stats returns a copy of the current statistics.
func (c *Client) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// Connect dials the inference endpoint, blocking up to the configured
// connection timeout.
func (c *Client) Connect(ctx context.Context) error {
	creds := insecure.NewCredentials()
	if c.cfg.UseTLS {
		tc := &tls.Config{}
		if c.cfg.CACertPath != "" {
			pem, err := os.ReadFile(c.cfg.CACertPath)
			if err != nil {
				return fmt.Errorf("failed to read CA certificate: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("no certificates found in %s", c.cfg.CACertPath)
			}
			tc.RootCAs = pool
		}
		creds = credentials.NewTLS(tc)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout())
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, c.cfg.Endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to inference service: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.log.WithField("endpoint", c.cfg.Endpoint).Info("connected to inference service")
	return nil
}

// ConnectWithRetry dials the endpoint with exponential backoff until
// success, the configured attempt cap or context cancellation.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(c.cfg.ConnectBaseDelayMs) * time.Millisecond
	bo.MaxInterval = time.Duration(c.cfg.ConnectMaxDelayMs) * time.Millisecond
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}

		attempts++
		if c.cfg.MaxConnectAttempts > 0 && attempts >= c.cfg.MaxConnectAttempts {
			c.log.WithError(err).WithField("attempts", attempts).Error("inference connection attempts exhausted")
			return ErrMaxConnectAttempts
		}

		delay := bo.NextBackOff()
		c.log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempts,
			"delay_ms": delay.Milliseconds(),
		}).Warn("inference connection failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.WithError(err).Warn("failed to close inference connection")
		}
	}
}

// callOptions builds the per-call options from the configuration.
func (c *Client) callOptions() []grpc.CallOption {
	opts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if c.cfg.EnableCompression {
		opts = append(opts, grpc.UseCompressor(gzip.Name))
	}
	return opts
}

// SubmitBatch ships one batch of frames to the inference service and
// returns the per-frame acceptance response.
func (c *Client) SubmitBatch(ctx context.Context, req *SubmitBatchRequest) (*SubmitBatchResponse, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout())
	defer cancel()

	var resp SubmitBatchResponse
	if err := conn.Invoke(callCtx, methodSubmitBatch, req, &resp, c.callOptions()...); err != nil {
		return nil, fmt.Errorf("batch submission failed: %w", err)
	}
	return &resp, nil
}

// HealthCheck performs a unary health probe for the given device.
func (c *Client) HealthCheck(ctx context.Context, deviceID string) (bool, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return false, ErrNotConnected
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout())
	defer cancel()

	var resp HealthCheckResponse
	if err := conn.Invoke(callCtx, methodHealthCheck, &HealthCheckRequest{DeviceID: deviceID}, &resp, c.callOptions()...); err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.Healthy, nil
}

// recordBatch folds one completed batch into the statistics.
func (c *Client) recordBatch(sent, accepted, rejected int, latency time.Duration) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.FramesSent += uint64(sent)
	c.stats.FramesAccepted += uint64(accepted)
	c.stats.FramesRejected += uint64(rejected)
	c.stats.BatchesSent++
	n := float64(c.stats.BatchesSent)
	c.stats.AvgLatencyMs += (float64(latency.Milliseconds()) - c.stats.AvgLatencyMs) / n
}
