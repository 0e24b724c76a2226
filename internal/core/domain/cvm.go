package domain

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// Status Normalization
// =============================================================================

// StatusClass is the closed set every remote CVM status string is normalized to.
type StatusClass string

const (
	StatusRunning StatusClass = "running"
	StatusFailed  StatusClass = "failed"
	StatusPending StatusClass = "pending"
)

// runningTokens and failedTokens are compared after lower-casing and trimming.
var (
	runningTokens = map[string]bool{"running": true}
	failedTokens  = map[string]bool{"failed": true, "error": true}
)

// NormalizeStatus maps a raw control-plane status to a StatusClass.
// Unknown, empty, and transitional values are all StatusPending.
func NormalizeStatus(raw string) StatusClass {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case runningTokens[s]:
		return StatusRunning
	case failedTokens[s]:
		return StatusFailed
	default:
		return StatusPending
	}
}

// IsTerminal returns true for classes that end polling.
func (c StatusClass) IsTerminal() bool {
	return c == StatusRunning || c == StatusFailed
}

// =============================================================================
// CVM Instance
// =============================================================================

// CVMInstance is a confidential VM as last reported by the control plane.
// It is never mutated locally; a new fetch produces a new value.
type CVMInstance struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"-"`
}

// Class returns the normalized status of the instance.
func (i CVMInstance) Class() StatusClass {
	return NormalizeStatus(i.Status)
}

// FindByName returns the first instance with exactly the given name.
func FindByName(instances []CVMInstance, name string) (CVMInstance, bool) {
	for _, inst := range instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return CVMInstance{}, false
}

// =============================================================================
// Provision Result
// =============================================================================

// ProvisionResult links the provision phase to the create phase.
type ProvisionResult struct {
	ComposeHash   string          `json:"compose_hash"`
	ApplicationID string          `json:"app_id,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// =============================================================================
// Attestation
// =============================================================================

// DefaultQuoteType is reported when the attestation payload omits quote_type.
const DefaultQuoteType = "TDX"

// AttestationReport is the read-only result of one attestation fetch.
type AttestationReport struct {
	Present      bool
	QuoteType    string
	Measurements *Measurements
	// QuoteError explains why Measurements is nil when a quote was expected. Informational only.
	QuoteError string
	Raw        json.RawMessage
}

// Measurements are the TDX registers decoded from a raw quote.
type Measurements struct {
	MRTD       string   `json:"mrtd"`
	RTMRs      []string `json:"rtmrs"`
	ReportData string   `json:"report_data"`
}

// =============================================================================
// Teepods
// =============================================================================

// Teepod is a host able to run CVMs.
type Teepod struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	RegionIdentifier string `json:"region_identifier"`
}

// IsOnline reports whether the pod accepts workloads.
func (p Teepod) IsOnline() bool {
	return strings.EqualFold(p.Status, "ONLINE")
}

// OnlineTeepods filters pods that are online, preserving order.
func OnlineTeepods(pods []Teepod) []Teepod {
	online := make([]Teepod, 0, len(pods))
	for _, p := range pods {
		if p.IsOnline() {
			online = append(online, p)
		}
	}
	return online
}
