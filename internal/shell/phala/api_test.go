package phala

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/cvmdeploy/internal/core/compose"
	"github.com/artpar/cvmdeploy/internal/core/domain"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "/cvms/abc", CVMPath("abc"))
	assert.Equal(t, "/cvms/abc/attestation", AttestationPath("abc"))
	assert.Equal(t, "/cvms/abc/network", NetworkPath("abc"))
	assert.Equal(t, "/cvms/abc/stats", StatsPath("abc"))
	assert.Equal(t, "/cvms/a%2Fb", CVMPath("a/b"))
}

func TestNewProvisionRequest(t *testing.T) {
	cfg, err := domain.Assemble(
		map[string]string{"a": "1"},
		domain.FixedParams{Name: "x", ModelIdentifier: "m", RequiredSecrets: []string{"a"}},
	)
	require.NoError(t, err)
	spec := compose.Generate(cfg)

	req := NewProvisionRequest("x", spec)

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "x", decoded["name"])
	assert.Equal(t, float64(2), decoded["vcpu"])
	assert.Equal(t, float64(4096), decoded["memory"])
	assert.Equal(t, float64(20), decoded["disk_size"])

	file := decoded["compose_file"].(map[string]any)
	assert.Equal(t, "x", file["name"])
	assert.Equal(t, spec.Text, file["docker_compose_file"])
	assert.Equal(t, float64(2), file["manifest_version"])
	assert.Equal(t, "docker-compose", file["runner"])
	assert.Equal(t, []any{"kms", "tproxy-net"}, file["features"])
	assert.Equal(t, false, file["public_logs"])
	assert.Equal(t, false, file["public_sysinfo"])
}

func TestDecodeInstances(t *testing.T) {
	body := []byte(`[
		{"id": "a1", "name": "one", "status": "running"},
		{"id": 42, "name": "two", "state": "STARTING"},
		{"name": "three"}
	]`)

	instances, err := DecodeInstances(body)
	require.NoError(t, err)
	require.Len(t, instances, 3)

	assert.Equal(t, "a1", instances[0].ID)
	assert.Equal(t, domain.StatusRunning, instances[0].Class())
	assert.Equal(t, "42", instances[1].ID)
	assert.Equal(t, "STARTING", instances[1].Status)
	assert.Equal(t, "", instances[2].ID)
	assert.JSONEq(t, `{"name": "three"}`, string(instances[2].Raw))
}

func TestDecodeInstances_ItemsWrapper(t *testing.T) {
	instances, err := DecodeInstances([]byte(`{"items":[{"id":"a","name":"x"}]}`))
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "x", instances[0].Name)
}

func TestDecodeInstances_NotAList(t *testing.T) {
	_, err := DecodeInstances([]byte(`{"detail":"nope"}`))
	assert.True(t, errors.Is(err, ErrUnexpectedPayload))

	_, err = DecodeInstances([]byte(`[{"id": {"nested": true}}]`))
	assert.True(t, errors.Is(err, ErrUnexpectedPayload))
}

func TestDecodeInstance_StatusFallback(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"status", `{"id":"a","status":"running","state":"stopped"}`, "running"},
		{"state", `{"id":"a","state":"RUNNING"}`, "RUNNING"},
		{"empty status", `{"id":"a","status":"","state":"failed"}`, "failed"},
		{"neither", `{"id":"a"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := DecodeInstance([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, inst.Status)
		})
	}
}

func TestDecodeTeepods(t *testing.T) {
	pods, err := DecodeTeepods([]byte(`[
		{"id": 1, "name": "prod5", "status": "ONLINE", "region_identifier": "us-west"},
		{"id": 2, "name": "prod6", "status": "OFFLINE", "region_identifier": "eu"}
	]`))
	require.NoError(t, err)
	require.Len(t, pods, 2)

	online := domain.OnlineTeepods(pods)
	require.Len(t, online, 1)
	assert.Equal(t, "prod5", online[0].Name)
	assert.Equal(t, "us-west", online[0].RegionIdentifier)
	assert.Equal(t, "1", online[0].ID)
}

func TestDecodeProvision(t *testing.T) {
	result, err := DecodeProvision([]byte(`{"compose_hash":"h","app_id":"app-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "h", result.ComposeHash)
	assert.Equal(t, "app-1", result.ApplicationID)
	assert.NotEmpty(t, result.Raw)
}

func TestDecodeProvision_MissingHash(t *testing.T) {
	for _, body := range []string{`{}`, `{"compose_hash":""}`, `{"compose_hash":"  "}`} {
		_, err := DecodeProvision([]byte(body))
		assert.True(t, errors.Is(err, ErrMissingField), body)

		var pe *PayloadError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "compose_hash", pe.Field)
	}
}

func TestDecodeCreated(t *testing.T) {
	inst, err := DecodeCreated([]byte(`{"id": 7, "name": "x"}`))
	require.NoError(t, err)
	assert.Equal(t, "7", inst.ID)

	_, err = DecodeCreated([]byte(`{"name": "x"}`))
	assert.True(t, errors.Is(err, ErrMissingField))

	_, err = DecodeCreated([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrUnexpectedPayload))
}
