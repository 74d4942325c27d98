// Package kafka provides Kafka producer functionality for streaming
// robot variable changes, plus an optional write-back consumer.
package kafka

import (
	"crypto/tls"
	"time"

	"motolink/config"
)

// SASL mechanism names accepted in configuration.
const (
	SASLNone        = ""
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// DefaultClusterConfig returns a Kafka configuration with sensible defaults.
func DefaultClusterConfig(name string) config.KafkaConfig {
	return config.KafkaConfig{
		Name:         name,
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1, // all replicas must acknowledge
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// tlsConfigFor returns a TLS configuration if TLS is enabled for the cluster.
func tlsConfigFor(c *config.KafkaConfig) *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
