// Package deploy drives one deployment attempt against the control plane:
// existence check, provision, create, poll, attestation, network.
// Phases run strictly in sequence on the caller's goroutine.
package deploy

import (
	"encoding/json"
	"time"

	"github.com/artpar/cvmdeploy/internal/core/compose"
	"github.com/artpar/cvmdeploy/internal/core/domain"
)

// EventType identifies what an Event reports.
type EventType string

const (
	EventPhaseStarted        EventType = "phase.started"
	EventTeepodsListed       EventType = "teepods.listed"
	EventInstancesListed     EventType = "instances.listed"
	EventExistingFound       EventType = "instance.exists"
	EventDescriptorGenerated EventType = "descriptor.generated"
	EventProvisioned         EventType = "provisioned"
	EventCreated             EventType = "instance.created"
	EventPollAttempt         EventType = "poll.attempt"
	EventAttestation         EventType = "attestation"
	EventNetwork             EventType = "network"
	EventAdvisory            EventType = "advisory"
	EventFailed              EventType = "failed"
)

// Event is a progress notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	Phase     domain.Phase
	Timestamp time.Time

	// Count is the total number of listed items for list events.
	Count int

	Attempt     int
	MaxAttempts int
	Status      string

	Teepods     []domain.Teepod
	Instance    *domain.CVMInstance
	Spec        *compose.ComposeSpec
	Provision   *domain.ProvisionResult
	Attestation *domain.AttestationReport
	Network     json.RawMessage
	Advisory    *domain.Advisory
	Failure     *domain.DeploymentError
}

// Reporter receives progress events. Implementations must not block.
type Reporter interface {
	Event(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

// Event implements Reporter.
func (f ReporterFunc) Event(e Event) { f(e) }

// NopReporter discards every event.
type NopReporter struct{}

// Event implements Reporter.
func (NopReporter) Event(Event) {}

// MultiReporter fans events out to several reporters in order.
func MultiReporter(reporters ...Reporter) Reporter {
	list := make([]Reporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			list = append(list, r)
		}
	}
	return multiReporter(list)
}

type multiReporter []Reporter

func (m multiReporter) Event(e Event) {
	for _, r := range m {
		r.Event(e)
	}
}
