// Package config handles configuration loading, saving, and schema
// definition for sagebus.
package config

import (
	"fmt"
	"os"
)

// Config is the top-level sagebus configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Broker   BrokerConfig   `json:"broker"`
	Security SecurityConfig `json:"security"`
	Council  CouncilConfig  `json:"council"`
}

// BrokerConfig selects and configures the transport.
type BrokerConfig struct {
	// Kind is one of "memory", "redis", "gateway".
	Kind string `json:"kind"`

	RedisURL      string `json:"redisUrl,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty"`

	GatewayURL string `json:"gatewayUrl,omitempty"` // ws://host:port/ws
	APIKey     string `json:"apiKey,omitempty"`

	GatewayPort int `json:"gatewayPort,omitempty"` // broker daemon listen port
	Prefetch    int `json:"prefetch,omitempty"`
}

// SecurityConfig holds the externally provisioned message keys.
type SecurityConfig struct {
	SigningKey    string `json:"signingKey"`
	Encrypt       bool   `json:"encrypt"`
	EncryptionKey string `json:"encryptionKey,omitempty"`
}

// CouncilConfig names the known sage identities.
type CouncilConfig struct {
	Sages      []string `json:"sages,omitempty"`
	RosterFile string   `json:"rosterFile,omitempty"` // sages.yaml path
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Broker: BrokerConfig{
			Kind:        "memory",
			GatewayPort: 18100,
		},
	}
}

// ApplyEnv overlays environment variables onto the configuration.
// Env wins over file values so deployments can inject secrets.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SAGEBUS_SIGNING_KEY"); v != "" {
		c.Security.SigningKey = v
	}
	if v := os.Getenv("SAGEBUS_ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
		c.Security.Encrypt = true
	}
	if v := os.Getenv("SAGEBUS_REDIS_URL"); v != "" {
		c.Broker.RedisURL = v
	}
	if v := os.Getenv("SAGEBUS_GATEWAY_URL"); v != "" {
		c.Broker.GatewayURL = v
	}
	if v := os.Getenv("SAGEBUS_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
}

// Validate fails fast on unusable configurations. In particular there is
// no fallback to a generated per-instance encryption key: independently
// started agents could never decrypt each other's traffic with one.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "memory", "redis", "gateway":
	default:
		return fmt.Errorf("broker.kind must be memory, redis, or gateway (got %q)", c.Broker.Kind)
	}
	if c.Broker.Kind == "redis" && c.Broker.RedisURL == "" {
		return fmt.Errorf("broker.redisUrl is required for the redis broker")
	}
	if c.Broker.Kind == "gateway" && c.Broker.GatewayURL == "" {
		return fmt.Errorf("broker.gatewayUrl is required for the gateway broker")
	}
	if c.Security.SigningKey == "" {
		return fmt.Errorf("security.signingKey is required (generate one with `sagebus keygen`)")
	}
	if c.Security.Encrypt && c.Security.EncryptionKey == "" {
		return fmt.Errorf("security.encryptionKey is required when encryption is enabled (generate one with `sagebus keygen`)")
	}
	return nil
}

// EncryptionKey returns the Fernet key to use, or "" when encryption is off.
func (c *Config) EncryptionKey() string {
	if !c.Security.Encrypt {
		return ""
	}
	return c.Security.EncryptionKey
}
