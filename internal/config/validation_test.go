package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		App: AppConfig{Name: "pulsecore", Environment: "development"},
		Broker: BrokerConfig{
			WSURL:            "wss://broker.example.com/ws",
			AppID:            "1089",
			CircuitThreshold: 5,
		},
		Execution: ExecutionConfig{
			IdempotencyTTLSeconds: 3600,
			DefaultStake:          StakeConfig{Base: 10, Min: 1, Max: 100},
		},
		Risk: RiskConfig{
			Profiles: map[string]ProfileConfig{
				"LOW":    {StakeMultiplier: 0.5, MinConfidence: 0.8},
				"MEDIUM": {StakeMultiplier: 1.0, MinConfidence: 0.65},
				"HIGH":   {StakeMultiplier: 1.5, MinConfidence: 0.5},
			},
		},
	}
}

func TestValidate_ValidConfigPasses(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingBrokerAppIDIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.AppID = ""

	err := cfg.Validate()
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	found := false
	for _, e := range verrs {
		if e.Field == "broker.app_id" {
			found = true
		}
	}
	assert.True(t, found, "expected a broker.app_id validation error")
}

func TestValidate_MissingRiskProfileIsFatal(t *testing.T) {
	cfg := validConfig()
	delete(cfg.Risk.Profiles, "HIGH")

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_VaultRequiresAddressAndToken(t *testing.T) {
	cfg := validConfig()
	cfg.Vault.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)

	verrs := err.(ValidationErrors)
	assert.GreaterOrEqual(t, len(verrs), 2)
}
