package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Phase Transition Tests
// =============================================================================

func TestValidatePhaseTransition_HappyPath(t *testing.T) {
	path := []Phase{
		PhaseIdle,
		PhaseCheckingExisting,
		PhaseProvisioning,
		PhaseCreating,
		PhasePolling,
		PhaseVerifyingAttestation,
		PhaseFetchingNetwork,
		PhaseDone,
	}

	for i := 0; i < len(path)-1; i++ {
		assert.NoError(t, ValidatePhaseTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestValidatePhaseTransition_FailedReachableFromEveryNonTerminal(t *testing.T) {
	for phase := range validPhaseTransitions {
		if phase.IsTerminal() {
			continue
		}
		assert.NoError(t, ValidatePhaseTransition(phase, PhaseFailed), "%s -> failed", phase)
	}
}

func TestValidatePhaseTransition_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		from, to Phase
	}{
		{"skip provisioning", PhaseCheckingExisting, PhaseCreating},
		{"existing found only from check", PhaseProvisioning, PhaseExistingFound},
		{"done is terminal", PhaseDone, PhaseIdle},
		{"failed is terminal", PhaseFailed, PhaseProvisioning},
		{"existing found is terminal", PhaseExistingFound, PhaseProvisioning},
		{"backwards", PhasePolling, PhaseCreating},
		{"unknown from", Phase("bogus"), PhaseDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePhaseTransition(tt.from, tt.to)
			assert.True(t, errors.Is(err, ErrInvalidPhaseTransition))
		})
	}
}

func TestPhase_Predicates(t *testing.T) {
	assert.True(t, PhaseDone.IsTerminal())
	assert.True(t, PhaseExistingFound.IsTerminal())
	assert.True(t, PhaseFailed.IsTerminal())
	assert.False(t, PhasePolling.IsTerminal())

	assert.True(t, PhaseDone.IsSuccess())
	assert.True(t, PhaseExistingFound.IsSuccess())
	assert.False(t, PhaseFailed.IsSuccess())

	assert.True(t, PhaseIdle.IsValid())
	assert.False(t, Phase("nope").IsValid())
}

// =============================================================================
// DeploymentError Tests
// =============================================================================

func TestDeploymentError(t *testing.T) {
	cause := errors.New("boom")
	err := NewDeploymentError(ReasonProvisionRejected, PhaseProvisioning, 422, []byte(`{"detail":"bad"}`), cause)

	assert.Equal(t, "ProvisionRejected during provisioning (status 422): boom", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, `{"detail":"bad"}`, string(err.Body))
}

func TestDeploymentError_NoStatus(t *testing.T) {
	err := NewDeploymentError(ReasonLocked, PhaseIdle, 0, nil, nil)
	assert.Equal(t, "Locked during idle", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}
