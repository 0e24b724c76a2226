package phala

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/artpar/cvmdeploy/internal/core/compose"
	"github.com/artpar/cvmdeploy/internal/core/domain"
)

// =============================================================================
// Paths
// =============================================================================

const (
	PathTeepods   = "/teepods"
	PathCVMs      = "/cvms"
	PathProvision = "/cvms/provision"
)

// CVMPath is the path of a single instance.
func CVMPath(id string) string {
	return PathCVMs + "/" + url.PathEscape(id)
}

// AttestationPath is the path of an instance's attestation document.
func AttestationPath(id string) string {
	return CVMPath(id) + "/attestation"
}

// NetworkPath is the path of an instance's network information.
func NetworkPath(id string) string {
	return CVMPath(id) + "/network"
}

// StatsPath is the path of an instance's runtime statistics.
func StatsPath(id string) string {
	return CVMPath(id) + "/stats"
}

// =============================================================================
// Request Bodies
// =============================================================================

// ComposeFile is the descriptor section of a provision request.
type ComposeFile struct {
	Name              string   `json:"name"`
	DockerComposeFile string   `json:"docker_compose_file"`
	ManifestVersion   int      `json:"manifest_version"`
	Runner            string   `json:"runner"`
	Features          []string `json:"features"`
	PublicLogs        bool     `json:"public_logs"`
	PublicSysinfo     bool     `json:"public_sysinfo"`
}

// ProvisionRequest is the body of POST /cvms/provision.
type ProvisionRequest struct {
	Name        string      `json:"name"`
	ComposeFile ComposeFile `json:"compose_file"`
	VCPU        int         `json:"vcpu"`
	Memory      int         `json:"memory"`
	DiskSize    int         `json:"disk_size"`
}

// NewProvisionRequest builds the provision body for a named deployment.
func NewProvisionRequest(name string, spec compose.ComposeSpec) ProvisionRequest {
	return ProvisionRequest{
		Name: name,
		ComposeFile: ComposeFile{
			Name:              name,
			DockerComposeFile: spec.Text,
			ManifestVersion:   spec.ManifestVersion,
			Runner:            spec.Runner,
			Features:          append([]string(nil), spec.Features...),
			PublicLogs:        spec.PublicLogs,
			PublicSysinfo:     spec.PublicSysinfo,
		},
		VCPU:     spec.Resources.VCPU,
		Memory:   spec.Resources.MemoryMiB,
		DiskSize: spec.Resources.DiskGiB,
	}
}

// CreateRequest is the body of POST /cvms.
type CreateRequest struct {
	ComposeHash string `json:"compose_hash"`
	Name        string `json:"name"`
}

// =============================================================================
// Response Decoding
// =============================================================================

// flexID accepts identifiers encoded either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type wireInstance struct {
	ID     flexID `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	State  string `json:"state"`
}

func (w wireInstance) toDomain(raw json.RawMessage) domain.CVMInstance {
	status := w.Status
	if status == "" {
		status = w.State
	}
	return domain.CVMInstance{
		ID:     string(w.ID),
		Name:   w.Name,
		Status: status,
		Raw:    raw,
	}
}

type wireTeepod struct {
	ID               flexID `json:"id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	RegionIdentifier string `json:"region_identifier"`
}

// listItems accepts either a bare JSON array or an object wrapping it under "items".
func listItems(body []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Items *[]json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Items == nil {
		return nil, &PayloadError{Err: fmt.Errorf("%w: expected a list", ErrUnexpectedPayload)}
	}
	return *wrapped.Items, nil
}

// DecodeInstances decodes the body of GET /cvms.
func DecodeInstances(body []byte) ([]domain.CVMInstance, error) {
	items, err := listItems(body)
	if err != nil {
		return nil, err
	}
	instances := make([]domain.CVMInstance, 0, len(items))
	for i, item := range items {
		var w wireInstance
		if err := json.Unmarshal(item, &w); err != nil {
			return nil, &PayloadError{Field: "[" + strconv.Itoa(i) + "]", Err: fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)}
		}
		instances = append(instances, w.toDomain(item))
	}
	return instances, nil
}

// DecodeInstance decodes the body of GET /cvms/{id}. The status is taken from
// "status", falling back to "state".
func DecodeInstance(body []byte) (domain.CVMInstance, error) {
	var w wireInstance
	if err := json.Unmarshal(body, &w); err != nil {
		return domain.CVMInstance{}, &PayloadError{Err: fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)}
	}
	return w.toDomain(append(json.RawMessage(nil), body...)), nil
}

// DecodeTeepods decodes the body of GET /teepods.
func DecodeTeepods(body []byte) ([]domain.Teepod, error) {
	items, err := listItems(body)
	if err != nil {
		return nil, err
	}
	pods := make([]domain.Teepod, 0, len(items))
	for i, item := range items {
		var w wireTeepod
		if err := json.Unmarshal(item, &w); err != nil {
			return nil, &PayloadError{Field: "[" + strconv.Itoa(i) + "]", Err: fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)}
		}
		pods = append(pods, domain.Teepod{
			ID:               string(w.ID),
			Name:             w.Name,
			Status:           w.Status,
			RegionIdentifier: w.RegionIdentifier,
		})
	}
	return pods, nil
}

// DecodeProvision decodes the body of POST /cvms/provision. A missing or
// empty compose_hash is an error.
func DecodeProvision(body []byte) (domain.ProvisionResult, error) {
	var w struct {
		ComposeHash string `json:"compose_hash"`
		AppID       flexID `json:"app_id"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return domain.ProvisionResult{}, &PayloadError{Err: fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)}
	}
	if strings.TrimSpace(w.ComposeHash) == "" {
		return domain.ProvisionResult{}, &PayloadError{Field: "compose_hash", Err: ErrMissingField}
	}
	return domain.ProvisionResult{
		ComposeHash:   w.ComposeHash,
		ApplicationID: string(w.AppID),
		Raw:           append(json.RawMessage(nil), body...),
	}, nil
}

// DecodeCreated decodes the body of POST /cvms and returns the new instance.
// A missing or empty id is an error.
func DecodeCreated(body []byte) (domain.CVMInstance, error) {
	inst, err := DecodeInstance(body)
	if err != nil {
		return domain.CVMInstance{}, err
	}
	if strings.TrimSpace(inst.ID) == "" {
		return domain.CVMInstance{}, &PayloadError{Field: "id", Err: ErrMissingField}
	}
	return inst, nil
}
