package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(overrides map[string]any) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.Set("auth.jwt_signing_key", "test-key")
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := FromViper(newViper(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 64, cfg.Claims.MaxLength)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, SinkMemory, cfg.Events.Sink)
	assert.Equal(t, 1024, cfg.Events.MemoryCapacity)
	assert.Equal(t, 6*time.Second, cfg.Blocks.Interval)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POE_AUTH_JWT_SIGNING_KEY", "from-env")
	t.Setenv("POE_CLAIMS_MAX_LENGTH", "128")
	t.Setenv("POE_BLOCKS_INTERVAL", "250ms")
	t.Setenv("POE_STORE_TYPE", "sqlite")
	t.Setenv("POE_STORE_SQLITE", "/tmp/poe.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSigningKey)
	assert.Equal(t, 128, cfg.Claims.MaxLength)
	assert.Equal(t, 250*time.Millisecond, cfg.Blocks.Interval)
	assert.Equal(t, StoreSQLite, cfg.Store.Type)
	assert.Equal(t, "/tmp/poe.db", cfg.Store.SQLite)
}

func TestLoad_KafkaBrokersFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POE_AUTH_JWT_SIGNING_KEY", "from-env")
	t.Setenv("POE_EVENTS_SINK", "kafka")
	t.Setenv("POE_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,kafka-1:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_ReadsConfigFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
server:
  addr: ":9090"
claims:
  max_length: 32
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("POE_AUTH_JWT_SIGNING_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("POE_AUTH_JWT_SIGNING_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 32, cfg.Claims.MaxLength)
	assert.Equal(t, "from-dotenv", cfg.Auth.JWTSigningKey)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{"negative max length", map[string]any{"claims.max_length": -1}, "claims.max_length"},
		{"unknown store", map[string]any{"store.type": "etcd"}, `unknown store.type "etcd"`},
		{"postgres without dsn", map[string]any{"store.type": "postgres"}, "store.postgres is required"},
		{"redis without url", map[string]any{"store.type": "redis"}, "store.redis is required"},
		{"kafka without brokers", map[string]any{"events.sink": "kafka"}, "kafka.brokers is required"},
		{"outbox without postgres", map[string]any{"events.sink": "outbox"}, "requires store.type postgres"},
		{"unbounded memory sink", map[string]any{"events.memory_capacity": 0}, "events.memory_capacity must be positive"},
		{"missing signing key", map[string]any{"auth.jwt_signing_key": ""}, "auth.jwt_signing_key is required"},
		{"zero write limit", map[string]any{"ratelimit.write_limit": 0}, "ratelimit.read_limit and ratelimit.write_limit"},
		{"bad sample rate", map[string]any{"tracing.enabled": true, "tracing.sample_rate": 2.0}, "tracing.sample_rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromViper(newViper(tc.overrides))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidate_OutboxWithKafka(t *testing.T) {
	cfg, err := FromViper(newViper(map[string]any{
		"store.type":     "postgres",
		"store.postgres": "postgres://localhost/poe",
		"events.sink":    "outbox",
		"kafka.brokers":  []string{"localhost:9092"},
	}))
	require.NoError(t, err)
	assert.Equal(t, SinkKafka, cfg.Outbox.RelayTo)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".poe/claims.db"), expandPath("~/.poe/claims.db"))
	assert.Equal(t, "/var/lib/poe.db", expandPath("/var/lib/poe.db"))
}
