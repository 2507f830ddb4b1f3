package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesfloor/proximity/internal/middleware"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Recording.BridgeTimeout)
	assert.Equal(t, 3, cfg.Recording.UploadAttempts)
	assert.Equal(t, 60*time.Second, cfg.Proximity.ZoneCacheTTL)

	s := cfg.Settings()
	assert.Equal(t, 2, s.DebounceSamples)
	assert.Equal(t, 10*time.Second, s.DebounceWindow)
	assert.Equal(t, 15*time.Second, s.ExitDebounce)
	assert.Equal(t, 30*time.Second, s.ConfirmTimeout)
	assert.InDelta(t, 20.0, s.MinConfidence, 0)

	mw := cfg.RateLimit.Location.ToMiddlewareConfig()
	assert.Equal(t, middleware.FixedWindow, mw.Algorithm)
	assert.Equal(t, 60, mw.Window)
	assert.Equal(t, middleware.RateLimitByVendor, mw.Type)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://alias")
	t.Setenv("NATS_URL", "nats://alias:4222")
	t.Setenv("PROXIMITY_NATS_URL", "nats://prefixed:4222")
	t.Setenv("PROXIMITY_PROXIMITY_EXIT_DEBOUNCE", "20s")
	t.Setenv("API_PORT", "8088")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "postgres://alias", cfg.Database.URL)
	assert.Equal(t, "nats://prefixed:4222", cfg.NATS.URL, "prefixed variables win over aliases")
	assert.Equal(t, 20*time.Second, cfg.Proximity.ExitDebounce)
	assert.Equal(t, 8088, cfg.Server.Port)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proximity.yaml")
	body := []byte(`
database:
  driver: sqlite
  url: file:proximity.db
proximity:
  debounce_samples: 3
  min_confidence: 40
mqtt:
  enabled: true
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Settings().DebounceSamples)
	assert.InDelta(t, 40.0, cfg.Proximity.MinConfidence, 0)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "vendors/+/location", cfg.MQTT.Topic)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("PROXIMITY_DATABASE_DRIVER", "oracle")
	_, err := Load(viper.New(), "")
	assert.Error(t, err)

	_, err = Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
