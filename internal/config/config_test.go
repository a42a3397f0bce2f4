package config

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Schema Tests ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "memory", cfg.Broker.Kind)
	assert.Equal(t, 18100, cfg.Broker.GatewayPort)
	assert.False(t, cfg.Security.Encrypt)
}

func TestConfig_CamelCaseJSON(t *testing.T) {
	jsonStr := `{
		"broker": {"kind": "redis", "redisUrl": "redis://localhost:6379", "prefetch": 50},
		"security": {"signingKey": "k1", "encrypt": true, "encryptionKey": "f1"},
		"council": {"sages": ["knowledge", "task"], "rosterFile": "sages.yaml"}
	}`

	var cfg Config
	err := json.Unmarshal([]byte(jsonStr), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Broker.Kind)
	assert.Equal(t, "redis://localhost:6379", cfg.Broker.RedisURL)
	assert.Equal(t, 50, cfg.Broker.Prefetch)
	assert.Equal(t, "k1", cfg.Security.SigningKey)
	assert.True(t, cfg.Security.Encrypt)
	assert.Equal(t, []string{"knowledge", "task"}, cfg.Council.Sages)
	assert.Equal(t, "sages.yaml", cfg.Council.RosterFile)
}

// --- Validation Tests ---

func TestValidate_RequiresSigningKey(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "signingKey")
}

func TestValidate_EncryptRequiresKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.SigningKey = "k"
	cfg.Security.Encrypt = true

	// No silent fallback to a generated per-instance key.
	err := cfg.Validate()
	assert.ErrorContains(t, err, "encryptionKey")

	cfg.Security.EncryptionKey = "fernet-key"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_BrokerKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.SigningKey = "k"

	cfg.Broker.Kind = "kafka"
	assert.Error(t, cfg.Validate())

	cfg.Broker.Kind = "redis"
	assert.ErrorContains(t, cfg.Validate(), "redisUrl")
	cfg.Broker.RedisURL = "redis://localhost:6379"
	assert.NoError(t, cfg.Validate())

	cfg.Broker.Kind = "gateway"
	assert.ErrorContains(t, cfg.Validate(), "gatewayUrl")
	cfg.Broker.GatewayURL = "ws://localhost:18100/ws"
	assert.NoError(t, cfg.Validate())
}

func TestEncryptionKey_OnlyWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.EncryptionKey = "f1"
	assert.Empty(t, cfg.EncryptionKey())

	cfg.Security.Encrypt = true
	assert.Equal(t, "f1", cfg.EncryptionKey())
}

// --- Loader Tests ---

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Broker.Kind)
}

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Broker.Kind = "gateway"
	cfg.Broker.GatewayURL = "ws://example:18100/ws"
	cfg.Security.SigningKey = "round-trip-key"

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gateway", loaded.Broker.Kind)
	assert.Equal(t, "ws://example:18100/ws", loaded.Broker.GatewayURL)
	assert.Equal(t, "round-trip-key", loaded.Security.SigningKey)
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("SAGEBUS_SIGNING_KEY", "env-signing")
	t.Setenv("SAGEBUS_ENCRYPTION_KEY", "env-fernet")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "env-signing", cfg.Security.SigningKey)
	assert.Equal(t, "env-fernet", cfg.Security.EncryptionKey)
	assert.True(t, cfg.Security.Encrypt)
}
