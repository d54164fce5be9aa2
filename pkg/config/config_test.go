package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	viper.Reset()
	setDefaults()

	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))

	assert.Equal(t, 10, cfg.Relay.Attempts)
	assert.Equal(t, 5, cfg.Relay.BundleSize)
	assert.Len(t, cfg.Relay.Endpoints, 5)
	assert.Equal(t, 30*time.Second, cfg.Signing.SignTimeout)
	assert.Equal(t, 60*time.Second, cfg.Signing.AwaitTimeout)
	assert.Equal(t, 3*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 60, cfg.Consolidation.VerifyAttempts)
	assert.Equal(t, uint64(100000), cfg.Tip.DefaultLamports)
}

func TestEnvOverride(t *testing.T) {
	viper.Reset()
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults()
	t.Setenv("RELAY_ATTEMPTS", "4")

	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))
	assert.Equal(t, 4, cfg.Relay.Attempts)
}
