package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoOverrides(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadHonorsFlagOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)
	require.NoError(t, cmd.PersistentFlags().Set("cmd-max-attempts", "8"))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.CmdMaxAttempts)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Setenv("SENSORHOST_LOG_LEVEL", "debug")
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}
