// Package domain contains the core domain types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Secret Keys
// =============================================================================

const (
	SecretAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	SecretTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	SecretTelegramOwnerID  = "TELEGRAM_OWNER_ID"
)

// DefaultRequiredSecrets returns the secrets the default workload cannot start without.
func DefaultRequiredSecrets() []string {
	return []string{SecretAnthropicAPIKey, SecretTelegramBotToken, SecretTelegramOwnerID}
}

// =============================================================================
// Configuration Errors
// =============================================================================

var (
	// ErrMissingField is wrapped by every ConfigurationError.
	ErrMissingField = errors.New("required configuration field is missing")
)

const (
	FieldName            = "name"
	FieldModelIdentifier = "model"
)

// ConfigurationError reports a required field or secret that is absent or blank.
type ConfigurationError struct {
	MissingField string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %q is missing or empty", e.MissingField)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrMissingField
}

// =============================================================================
// DeploymentConfig
// =============================================================================

// FixedParams are the non-secret inputs of a deployment.
type FixedParams struct {
	Name            string
	ModelIdentifier string
	// RequiredSecrets lists secret keys that must be present and non-empty.
	// Nil means DefaultRequiredSecrets.
	RequiredSecrets []string
}

// DeploymentConfig is the immutable input of one deployment attempt.
// Values are only reachable through accessors; Assemble copies the secret map.
type DeploymentConfig struct {
	name            string
	secrets         map[string]string
	modelIdentifier string
}

// Assemble merges externally supplied secrets and fixed parameters into a DeploymentConfig.
// Every value is trimmed; a blank name, model, or required secret yields a ConfigurationError.
func Assemble(secrets map[string]string, params FixedParams) (DeploymentConfig, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return DeploymentConfig{}, &ConfigurationError{MissingField: FieldName}
	}
	model := strings.TrimSpace(params.ModelIdentifier)
	if model == "" {
		return DeploymentConfig{}, &ConfigurationError{MissingField: FieldModelIdentifier}
	}

	required := params.RequiredSecrets
	if required == nil {
		required = DefaultRequiredSecrets()
	}
	required = append([]string(nil), required...)
	sort.Strings(required)

	trimmed := make(map[string]string, len(secrets))
	for k, v := range secrets {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		trimmed[key] = strings.TrimSpace(v)
	}

	for _, key := range required {
		if trimmed[key] == "" {
			return DeploymentConfig{}, &ConfigurationError{MissingField: key}
		}
	}

	// Optional secrets that ended up blank are dropped rather than rendered as KEY=.
	for k, v := range trimmed {
		if v == "" {
			delete(trimmed, k)
		}
	}

	return DeploymentConfig{
		name:            name,
		secrets:         trimmed,
		modelIdentifier: model,
	}, nil
}

// Name returns the deployment (and CVM) name.
func (c DeploymentConfig) Name() string { return c.name }

// ModelIdentifier returns the model the workload runs with.
func (c DeploymentConfig) ModelIdentifier() string { return c.modelIdentifier }

// Secret returns the value of a secret and whether it is set.
func (c DeploymentConfig) Secret(key string) (string, bool) {
	v, ok := c.secrets[key]
	return v, ok
}

// SecretKeys returns the secret names in sorted order.
func (c DeploymentConfig) SecretKeys() []string {
	keys := make([]string, 0, len(c.secrets))
	for k := range c.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsZero reports whether the config was never assembled.
func (c DeploymentConfig) IsZero() bool {
	return c.name == ""
}
