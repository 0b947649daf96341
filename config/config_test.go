package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify/internal/model"
)

const testConfig = `
store:
  driver: memory
jwt:
  secret: file-secret
batching:
  policies:
    comment:
      window: 5m
    task:
      window: 2m
      mode: sliding
      max_window: 10m
dispatch:
  type_channels:
    share: [in_app, email]
`

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_FILE", path)
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	writeConfig(t, testConfig)
	t.Setenv("NOTIFY_JWT_SECRET", "env-secret")
	t.Setenv("NOTIFY_SCHEDULER_POLL_INTERVAL", "1s")
	t.Setenv("NOTIFY_RATE_LIMIT_BURST", "7")
	t.Setenv("NOTIFY_DISPATCH_WORKERS", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.JWT.Secret)
	assert.Equal(t, time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 7, cfg.RateLimit.Burst)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BrokerMemory, cfg.Broker.Driver)

	engine := cfg.Batching.ToEngineConfig()
	require.Contains(t, engine.Policies, model.EventTypeTask)
	assert.Equal(t, model.BatchModeSliding, engine.Policies[model.EventTypeTask].Mode)
	assert.Equal(t, model.BatchModeFixed, engine.Policies[model.EventTypeComment].Mode)
	assert.Equal(t, 10*time.Minute, engine.Policies[model.EventTypeTask].MaxWindow)

	dispatch := cfg.Dispatch.ToDispatchConfig()
	assert.Equal(t, []model.Channel{model.ChannelInApp, model.ChannelEmail}, dispatch.TypeChannels[model.EventTypeShare])

	sweeper := cfg.ToWorkerConfig()
	assert.Equal(t, 100, sweeper.BatchSize)
	assert.Equal(t, 3, sweeper.Workers)
	assert.Equal(t, time.Minute, engine.RetryDelay)
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	writeConfig(t, `
jwt:
  secret: s
broker:
  driver: redis
batching:
  policies:
    gossip:
      window: 1m
dispatch:
  type_channels:
    task: [carrier_pigeon]
`)
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires redis.url")
	assert.Contains(t, err.Error(), `unknown type "gossip"`)
	assert.Contains(t, err.Error(), `unknown channel "carrier_pigeon"`)
}

func TestValidateRequiresSecret(t *testing.T) {
	writeConfig(t, "store:\n  driver: memory\n")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}
