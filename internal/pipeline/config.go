// Package pipeline provides the Kafka producer and consumer used by the
// Nier services: typed messages with headers, at-least-once consumption with
// manual offset commits, and dead-letter-queue routing for messages the
// handler cannot process.
package pipeline

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// Security protocols for broker connections.
const (
	SecurityPlaintext     = "plaintext"
	SecuritySSL           = "ssl"
	SecuritySASLPlaintext = "sasl_plaintext"
	SecuritySASLSSL       = "sasl_ssl"
)

// SASL mechanisms.
const (
	SASLPlain       = "PLAIN"
	SASLScramSha256 = "SCRAM-SHA-256"
	SASLScramSha512 = "SCRAM-SHA-512"
	SASLOAuthBearer = "OAUTHBEARER"
)

// SSLConfig holds TLS settings for broker connections.
type SSLConfig struct {
	// Path to a CA certificate bundle. Empty uses the system pool.
	CALocation string `toml:"ca_location"`
	// Client certificate and key for mutual TLS.
	CertificateLocation string `toml:"certificate_location"`
	KeyLocation         string `toml:"key_location"`
	// Set to false to skip certificate verification.
	EnableVerification bool `toml:"enable_verification"`
}

// SASLConfig holds SASL authentication settings.
type SASLConfig struct {
	Mechanism string `toml:"mechanism"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	// Static bearer token for the OAUTHBEARER mechanism.
	OAuthToken string `toml:"oauth_token"`
}

// ReliabilityConfig holds retry and delivery guarantees for the producer.
type ReliabilityConfig struct {
	Retries           int  `toml:"retries"`
	RetryBackoffMs    int  `toml:"retry_backoff_ms"`
	RequestTimeoutMs  int  `toml:"request_timeout_ms"`
	EnableIdempotence bool `toml:"enable_idempotence"`
	// Required acknowledgments: "0", "1" or "all".
	Acks string `toml:"acks"`
}

// ProducerConfig holds producer batching settings.
type ProducerConfig struct {
	BatchSize int `toml:"batch_size"`
	LingerMs  int `toml:"linger_ms"`
	// Compression: none, gzip, snappy, lz4, zstd.
	CompressionType     string `toml:"compression_type"`
	MaxInFlightRequests int    `toml:"max_in_flight_requests"`
}

// ConsumerConfig holds consumer group settings.
type ConsumerConfig struct {
	GroupID string `toml:"group_id"`
	// Auto offset reset: earliest, latest or none.
	AutoOffsetReset      string `toml:"auto_offset_reset"`
	EnableAutoCommit     bool   `toml:"enable_auto_commit"`
	AutoCommitIntervalMs int    `toml:"auto_commit_interval_ms"`
	SessionTimeoutMs     int    `toml:"session_timeout_ms"`
	HeartbeatIntervalMs  int    `toml:"heartbeat_interval_ms"`
	MaxPollIntervalMs    int    `toml:"max_poll_interval_ms"`
	MaxPollRecords       int    `toml:"max_poll_records"`
}

// TopicConfig names the pipeline topics.
type TopicConfig struct {
	Frames          string `toml:"frames"`
	Detections      string `toml:"detections"`
	Alerts          string `toml:"alerts"`
	DeadLetterQueue string `toml:"dead_letter_queue"`
}

// KafkaConfig is the full broker configuration shared by producer and
// consumer.
type KafkaConfig struct {
	// Comma-separated broker addresses.
	BootstrapServers string `toml:"bootstrap_servers"`
	ClientID         string `toml:"client_id"`
	SecurityProtocol string `toml:"security_protocol"`
	SSL              SSLConfig         `toml:"ssl"`
	SASL             SASLConfig        `toml:"sasl"`
	Reliability      ReliabilityConfig `toml:"reliability"`
	Producer         ProducerConfig    `toml:"producer"`
	Consumer         ConsumerConfig    `toml:"consumer"`
	Topics           TopicConfig       `toml:"topics"`
}

// DefaultKafkaConfig returns a configuration suitable for local development.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		BootstrapServers: "localhost:9092",
		ClientID:         "nier-pipeline",
		SecurityProtocol: SecurityPlaintext,
		SSL:              SSLConfig{EnableVerification: true},
		SASL:             SASLConfig{Mechanism: SASLPlain},
		Reliability: ReliabilityConfig{
			Retries:           3,
			RetryBackoffMs:    100,
			RequestTimeoutMs:  30000,
			EnableIdempotence: true,
			Acks:              "all",
		},
		Producer: ProducerConfig{
			BatchSize:           16384,
			LingerMs:            5,
			CompressionType:     "lz4",
			MaxInFlightRequests: 5,
		},
		Consumer: ConsumerConfig{
			GroupID:              "nier-pipeline",
			AutoOffsetReset:      "earliest",
			EnableAutoCommit:     false,
			AutoCommitIntervalMs: 5000,
			SessionTimeoutMs:     30000,
			HeartbeatIntervalMs:  3000,
			MaxPollIntervalMs:    300000,
			MaxPollRecords:       500,
		},
		Topics: TopicConfig{
			Frames:          "nier.frames",
			Detections:      "nier.detections",
			Alerts:          "nier.alerts",
			DeadLetterQueue: "nier.dlq",
		},
	}
}

// NewKafkaConfig returns the default configuration pointed at the given
// brokers.
func NewKafkaConfig(bootstrapServers string) KafkaConfig {
	cfg := DefaultKafkaConfig()
	cfg.BootstrapServers = bootstrapServers
	return cfg
}

// FromEnv builds a configuration from the flat KAFKA_* environment
// variables, starting from the defaults.
func FromEnv() KafkaConfig {
	cfg := DefaultKafkaConfig()
	if v := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.BootstrapServers = v
	}
	if v := os.Getenv("KAFKA_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("KAFKA_GROUP_ID"); v != "" {
		cfg.Consumer.GroupID = v
	}
	if v := os.Getenv("KAFKA_SECURITY_PROTOCOL"); v != "" {
		switch strings.ToLower(v) {
		case SecuritySSL:
			cfg.SecurityProtocol = SecuritySSL
		case SecuritySASLPlaintext:
			cfg.SecurityProtocol = SecuritySASLPlaintext
		case SecuritySASLSSL:
			cfg.SecurityProtocol = SecuritySASLSSL
		default:
			cfg.SecurityProtocol = SecurityPlaintext
		}
	}
	if v := os.Getenv("KAFKA_SASL_USERNAME"); v != "" {
		cfg.SASL.Username = v
	}
	if v := os.Getenv("KAFKA_SASL_PASSWORD"); v != "" {
		cfg.SASL.Password = v
	}
	if v := os.Getenv("KAFKA_SSL_CA_LOCATION"); v != "" {
		cfg.SSL.CALocation = v
	}
	return cfg
}

// Validate checks the configuration for fatal errors.
func (c *KafkaConfig) Validate() error {
	if c.BootstrapServers == "" {
		return fmt.Errorf("missing required configuration: bootstrap_servers")
	}
	if c.Consumer.GroupID == "" {
		return fmt.Errorf("missing required configuration: consumer.group_id")
	}
	switch c.SecurityProtocol {
	case SecuritySASLPlaintext, SecuritySASLSSL:
		if c.SASL.Mechanism == SASLOAuthBearer {
			if c.SASL.OAuthToken == "" {
				return fmt.Errorf("missing required configuration: sasl.oauth_token (required for OAUTHBEARER)")
			}
		} else if c.SASL.Username == "" {
			return fmt.Errorf("missing required configuration: sasl.username (required for SASL)")
		}
	case SecurityPlaintext, SecuritySSL, "":
	default:
		return fmt.Errorf("invalid configuration value for security_protocol: %q", c.SecurityProtocol)
	}
	return nil
}

// Brokers returns the bootstrap servers as a slice.
func (c *KafkaConfig) Brokers() []string {
	parts := strings.Split(c.BootstrapServers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RequestTimeout returns the produce request timeout.
func (c *KafkaConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Reliability.RequestTimeoutMs) * time.Millisecond
}

// useTLS reports whether the security protocol requires TLS.
func (c *KafkaConfig) useTLS() bool {
	return c.SecurityProtocol == SecuritySSL || c.SecurityProtocol == SecuritySASLSSL
}

// useSASL reports whether the security protocol requires SASL.
func (c *KafkaConfig) useSASL() bool {
	return c.SecurityProtocol == SecuritySASLPlaintext || c.SecurityProtocol == SecuritySASLSSL
}

// tlsConfig builds the TLS configuration from the SSL section.
func (c *KafkaConfig) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: !c.SSL.EnableVerification}
	if c.SSL.CALocation != "" {
		pem, err := os.ReadFile(c.SSL.CALocation)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.SSL.CALocation)
		}
		tc.RootCAs = pool
	}
	if c.SSL.CertificateLocation != "" && c.SSL.KeyLocation != "" {
		cert, err := tls.LoadX509KeyPair(c.SSL.CertificateLocation, c.SSL.KeyLocation)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// saslMechanism builds the SASL mechanism from the SASL section.
func (c *KafkaConfig) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASL.Mechanism {
	case SASLPlain, "":
		return plain.Auth{User: c.SASL.Username, Pass: c.SASL.Password}.AsMechanism(), nil
	case SASLScramSha256:
		return scram.Auth{User: c.SASL.Username, Pass: c.SASL.Password}.AsSha256Mechanism(), nil
	case SASLScramSha512:
		return scram.Auth{User: c.SASL.Username, Pass: c.SASL.Password}.AsSha512Mechanism(), nil
	case SASLOAuthBearer:
		return oauth.Auth{Token: c.SASL.OAuthToken}.AsMechanism(), nil
	default:
		return nil, fmt.Errorf("invalid configuration value for sasl.mechanism: %q", c.SASL.Mechanism)
	}
}

// clientOpts builds the franz-go options shared by producers and consumers.
func (c *KafkaConfig) clientOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers()...),
		kgo.ClientID(c.ClientID),
	}
	if c.useTLS() {
		tc, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tc))
	}
	if c.useSASL() {
		mech, err := c.saslMechanism()
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

// compressionCodec maps the configured compression type to a franz-go codec.
func (c *KafkaConfig) compressionCodec() kgo.CompressionCodec {
	switch strings.ToLower(c.Producer.CompressionType) {
	case "gzip":
		return kgo.GzipCompression()
	case "snappy":
		return kgo.SnappyCompression()
	case "zstd":
		return kgo.ZstdCompression()
	case "none":
		return kgo.NoCompression()
	default:
		return kgo.Lz4Compression()
	}
}

// acks maps the configured acks string to franz-go acks.
func (c *KafkaConfig) acks() kgo.Acks {
	switch c.Reliability.Acks {
	case "0":
		return kgo.NoAck()
	case "1":
		return kgo.LeaderAck()
	default:
		return kgo.AllISRAcks()
	}
}
