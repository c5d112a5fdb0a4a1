package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs the fatal startup checks of §7: missing mandatory
// configuration (broker app id, session secret equivalents) must refuse to
// start rather than run degraded.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validateExecution()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validateVault()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors
	if c.App.Name == "" {
		errors = append(errors, ValidationError{Field: "app.name", Message: "application name is required"})
	}
	validEnvs := map[string]bool{"development": true, "staging": true, "production": true}
	if !validEnvs[c.App.Environment] {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "environment must be one of: development, staging, production",
		})
	}
	return errors
}

// validateBroker enforces §6: broker_app_id is a required non-empty string
// and connection URL construction depends on it; absence is fatal.
func (c *Config) validateBroker() ValidationErrors {
	var errors ValidationErrors
	if strings.TrimSpace(c.Broker.AppID) == "" {
		errors = append(errors, ValidationError{
			Field:   "broker.app_id",
			Message: "broker app id is mandatory; the broker WS connection URL cannot be built without it",
		})
	}
	if strings.TrimSpace(c.Broker.WSURL) == "" {
		errors = append(errors, ValidationError{Field: "broker.ws_url", Message: "broker websocket URL is required"})
	}
	if c.Broker.CircuitThreshold <= 0 {
		errors = append(errors, ValidationError{Field: "broker.circuit_threshold", Message: "must be positive"})
	}
	return errors
}

func (c *Config) validateExecution() ValidationErrors {
	var errors ValidationErrors
	s := c.Execution.DefaultStake
	if s.Min <= 0 || s.Max < s.Min {
		errors = append(errors, ValidationError{
			Field:   "execution.default_stake",
			Message: "min must be positive and max must be >= min",
		})
	}
	if s.Base < s.Min || s.Base > s.Max {
		errors = append(errors, ValidationError{
			Field:   "execution.default_stake.base",
			Message: "base stake must fall within [min, max]",
		})
	}
	if c.Execution.IdempotencyTTLSeconds <= 0 {
		errors = append(errors, ValidationError{Field: "execution.idempotency_ttl_s", Message: "must be positive"})
	}
	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors
	required := []string{"LOW", "MEDIUM", "HIGH"}
	for _, name := range required {
		p, ok := c.Risk.Profiles[name]
		if !ok {
			errors = append(errors, ValidationError{
				Field:   "risk.profiles." + name,
				Message: "risk profile is required",
			})
			continue
		}
		if p.StakeMultiplier <= 0 {
			errors = append(errors, ValidationError{
				Field:   "risk.profiles." + name + ".stake_mult",
				Message: "must be positive",
			})
		}
		if p.MinConfidence < 0 || p.MinConfidence > 1 {
			errors = append(errors, ValidationError{
				Field:   "risk.profiles." + name + ".min_conf",
				Message: "must be within [0, 1]",
			})
		}
	}
	return errors
}

// validateVault enforces §7: credential store credentials must be present
// when the store is enabled.
func (c *Config) validateVault() ValidationErrors {
	var errors ValidationErrors
	if c.Vault.Enabled {
		if strings.TrimSpace(c.Vault.Address) == "" {
			errors = append(errors, ValidationError{Field: "vault.address", Message: "required when vault is enabled"})
		}
		if strings.TrimSpace(c.Vault.Token) == "" {
			errors = append(errors, ValidationError{Field: "vault.token", Message: "required when vault is enabled"})
		}
	}
	return errors
}
