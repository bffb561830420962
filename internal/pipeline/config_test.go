package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultKafkaConfig()
	assert.Equal(t, "localhost:9092", cfg.BootstrapServers)
	assert.Equal(t, "nier-pipeline", cfg.ClientID)
	assert.Equal(t, "all", cfg.Reliability.Acks)
	assert.True(t, cfg.Reliability.EnableIdempotence)
	require.NoError(t, cfg.Validate())
}

func TestValidateMissingBootstrapServers(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.BootstrapServers = ""
	require.Error(t, cfg.Validate())
}

func TestValidateMissingGroupID(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.Consumer.GroupID = ""
	require.Error(t, cfg.Validate())
}

func TestValidateSASLRequiresUsername(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.SecurityProtocol = SecuritySASLSSL
	require.Error(t, cfg.Validate())

	cfg.SASL.Username = "user"
	require.NoError(t, cfg.Validate())
}

func TestValidateOAuthRequiresToken(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.SecurityProtocol = SecuritySASLPlaintext
	cfg.SASL.Mechanism = SASLOAuthBearer
	require.Error(t, cfg.Validate())

	cfg.SASL.OAuthToken = "token"
	require.NoError(t, cfg.Validate())
}

func TestValidateUnknownProtocol(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.SecurityProtocol = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}

func TestBrokersSplit(t *testing.T) {
	cfg := NewKafkaConfig("broker1:9092, broker2:9092,broker3:9092")
	assert.Equal(t, []string{"broker1:9092", "broker2:9092", "broker3:9092"}, cfg.Brokers())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "kafka:9093")
	t.Setenv("KAFKA_CLIENT_ID", "my-client")
	t.Setenv("KAFKA_GROUP_ID", "my-group")
	t.Setenv("KAFKA_SECURITY_PROTOCOL", "sasl_ssl")
	t.Setenv("KAFKA_SASL_USERNAME", "user")
	t.Setenv("KAFKA_SASL_PASSWORD", "pass")
	t.Setenv("KAFKA_SSL_CA_LOCATION", "/etc/ssl/ca.pem")

	cfg := FromEnv()
	assert.Equal(t, "kafka:9093", cfg.BootstrapServers)
	assert.Equal(t, "my-client", cfg.ClientID)
	assert.Equal(t, "my-group", cfg.Consumer.GroupID)
	assert.Equal(t, SecuritySASLSSL, cfg.SecurityProtocol)
	assert.Equal(t, "user", cfg.SASL.Username)
	assert.Equal(t, "pass", cfg.SASL.Password)
	assert.Equal(t, "/etc/ssl/ca.pem", cfg.SSL.CALocation)
}

func TestSASLMechanisms(t *testing.T) {
	for _, mech := range []string{SASLPlain, SASLScramSha256, SASLScramSha512} {
		cfg := DefaultKafkaConfig()
		cfg.SASL.Mechanism = mech
		cfg.SASL.Username = "user"
		cfg.SASL.Password = "pass"
		m, err := cfg.saslMechanism()
		require.NoError(t, err, mech)
		require.NotNil(t, m, mech)
	}

	cfg := DefaultKafkaConfig()
	cfg.SASL.Mechanism = "GSSAPI"
	_, err := cfg.saslMechanism()
	require.Error(t, err)
}

func TestRequestTimeout(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.Reliability.RequestTimeoutMs = 1500
	assert.Equal(t, "1.5s", cfg.RequestTimeout().String())
}
