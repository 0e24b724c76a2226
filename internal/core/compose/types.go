package compose

import (
	"crypto/sha256"
	"encoding/hex"
)

// =============================================================================
// ComposeSpec - Generator Output
// =============================================================================

// ComposeSpec is the descriptor plus the metadata submitted alongside it.
// A spec is generated once per deployment attempt and never mutated.
type ComposeSpec struct {
	Text            string
	ManifestVersion int
	Runner          string
	Features        []string // sorted, no duplicates
	PublicLogs      bool
	PublicSysinfo   bool
	Resources       Resources
}

// Resources is the sizing requested for the CVM.
type Resources struct {
	VCPU      int
	MemoryMiB int
	DiskGiB   int
}

// Hash returns the hex SHA-256 of the descriptor text.
func (s ComposeSpec) Hash() string {
	sum := sha256.Sum256([]byte(s.Text))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Summary - Inspect Output
// =============================================================================

// Summary is what Inspect reports about a descriptor.
type Summary struct {
	Services []ServiceSummary `json:"services"`
	Volumes  []string         `json:"volumes,omitempty"`
}

// ServiceSummary describes one service without exposing environment values.
type ServiceSummary struct {
	Name            string   `json:"name"`
	Image           string   `json:"image"`
	Ports           []string `json:"ports,omitempty"`
	EnvironmentKeys []string `json:"environment_keys,omitempty"`
	Mounts          []string `json:"mounts,omitempty"`
	Restart         string   `json:"restart,omitempty"`
}
