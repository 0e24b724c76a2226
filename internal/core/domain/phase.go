package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Deployment Phases
// =============================================================================

// Phase is a state of the deployment orchestration state machine.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseCheckingExisting     Phase = "checking_existing"
	PhaseProvisioning         Phase = "provisioning"
	PhaseCreating             Phase = "creating"
	PhasePolling              Phase = "polling"
	PhaseVerifyingAttestation Phase = "verifying_attestation"
	PhaseFetchingNetwork      Phase = "fetching_network"
	PhaseDone                 Phase = "done"
	PhaseExistingFound        Phase = "existing_found"
	PhaseFailed               Phase = "failed"
)

var ErrInvalidPhaseTransition = errors.New("invalid deployment phase transition")

// IsValid checks if the phase is known.
func (p Phase) IsValid() bool {
	_, ok := validPhaseTransitions[p]
	return ok
}

// IsTerminal returns true if no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseExistingFound || p == PhaseFailed
}

// IsSuccess returns true for terminal phases that exit with status 0.
func (p Phase) IsSuccess() bool {
	return p == PhaseDone || p == PhaseExistingFound
}

// validPhaseTransitions defines the allowed state transitions.
// Failed is reachable from every non-terminal phase.
var validPhaseTransitions = map[Phase][]Phase{
	PhaseIdle:                 {PhaseCheckingExisting, PhaseFailed},
	PhaseCheckingExisting:     {PhaseProvisioning, PhaseExistingFound, PhaseFailed},
	PhaseProvisioning:         {PhaseCreating, PhaseFailed},
	PhaseCreating:             {PhasePolling, PhaseFailed},
	PhasePolling:              {PhaseVerifyingAttestation, PhaseFailed},
	PhaseVerifyingAttestation: {PhaseFetchingNetwork, PhaseFailed},
	PhaseFetchingNetwork:      {PhaseDone, PhaseFailed},
	PhaseDone:                 {}, // terminal
	PhaseExistingFound:        {}, // terminal
	PhaseFailed:               {}, // terminal
}

// ValidatePhaseTransition checks if a phase transition is valid.
func ValidatePhaseTransition(from, to Phase) error {
	allowed, exists := validPhaseTransitions[from]
	if !exists {
		return ErrInvalidPhaseTransition
	}
	for _, p := range allowed {
		if p == to {
			return nil
		}
	}
	return ErrInvalidPhaseTransition
}

// =============================================================================
// Fatal Failures
// =============================================================================

// FailureReason classifies a fatal outcome.
type FailureReason string

const (
	ReasonConfiguration     FailureReason = "ConfigurationError"
	ReasonTransport         FailureReason = "TransportError"
	ReasonListRejected      FailureReason = "ListRejected"
	ReasonProvisionRejected FailureReason = "ProvisionRejected"
	ReasonCreateRejected    FailureReason = "CreateRejected"
	ReasonStartupFailed     FailureReason = "StartupFailed"
	ReasonLocked            FailureReason = "Locked"
	// ReasonCancelled means the operator interrupted the run.
	ReasonCancelled FailureReason = "Cancelled"
)

// DeploymentError is the payload of the Failed phase.
type DeploymentError struct {
	Reason FailureReason
	Phase  Phase  // phase in which the failure was observed
	Status int    // HTTP status, 0 if no response
	Body   []byte // raw response payload, kept for diagnosis
	Err    error
}

func (e *DeploymentError) Error() string {
	msg := fmt.Sprintf("%s during %s", e.Reason, e.Phase)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// NewDeploymentError creates a new DeploymentError.
func NewDeploymentError(reason FailureReason, phase Phase, status int, body []byte, err error) *DeploymentError {
	return &DeploymentError{
		Reason: reason,
		Phase:  phase,
		Status: status,
		Body:   body,
		Err:    err,
	}
}

// =============================================================================
// Advisories
// =============================================================================

// AdvisoryKind classifies a reported, non-fatal condition.
type AdvisoryKind string

const (
	AdvisoryPollTimeout            AdvisoryKind = "PollTimeout"
	AdvisoryAttestationUnavailable AdvisoryKind = "AttestationUnavailable"
	AdvisoryNetworkInfoUnavailable AdvisoryKind = "NetworkInfoUnavailable"
	AdvisoryJournalUnavailable     AdvisoryKind = "JournalUnavailable"
)

// Advisory is folded into the final summary and never changes the exit code.
type Advisory struct {
	Kind    AdvisoryKind
	Message string
}
