package deploy

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/artpar/cvmdeploy/internal/core/domain"
)

var (
	// ErrUnexpectedStatus is wrapped when the control plane answers with a status
	// the current phase does not accept.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrLocked is wrapped by journals whose Begin found another attempt in progress.
	ErrLocked = errors.New("deployment locked by another attempt")

	// ErrEmptyConfig is returned when Run is called with a zero DeploymentConfig.
	ErrEmptyConfig = errors.New("deployment config was not assembled")

	// ErrNoAttestation means the attestation endpoint returned nothing usable.
	ErrNoAttestation = errors.New("attestation not available")
)

// Outcome is the result of one Run. Exactly one of the terminal phases is set.
type Outcome struct {
	Name  string
	Phase domain.Phase

	// Teepods are the online pods reported during the existence check.
	Teepods     []domain.Teepod
	Instance    *domain.CVMInstance
	ComposeHash string
	Provision   *domain.ProvisionResult
	Attestation *domain.AttestationReport
	Network     json.RawMessage

	// Polls is the number of status requests made while polling.
	Polls int

	Failure    *domain.DeploymentError
	Advisories []domain.Advisory

	StartedAt  time.Time
	FinishedAt time.Time
}

// ExitCode is 0 for done and existing_found, 1 otherwise.
func (o *Outcome) ExitCode() int {
	if o.Phase.IsSuccess() {
		return 0
	}
	return 1
}

// Err returns the fatal failure, or nil.
func (o *Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// HasAdvisory reports whether an advisory of the given kind was recorded.
func (o *Outcome) HasAdvisory(kind domain.AdvisoryKind) bool {
	for _, a := range o.Advisories {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// InstanceID returns the created or existing instance ID, or "".
func (o *Outcome) InstanceID() string {
	if o.Instance == nil {
		return ""
	}
	return o.Instance.ID
}

// LastStatus returns the last raw status observed for the instance.
func (o *Outcome) LastStatus() string {
	if o.Instance == nil {
		return ""
	}
	return o.Instance.Status
}

// Duration is the wall time of the run.
func (o *Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
