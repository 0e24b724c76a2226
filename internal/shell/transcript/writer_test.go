package transcript

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/cvmdeploy/internal/core/compose"
	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/deploy"
)

const testBase = "https://cloud-api.phala.network/api/v1"

func newTestWriter() (*Writer, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(&buf, testBase+"/"), &buf
}

// =============================================================================
// Event Tests
// =============================================================================

func TestEvent_StepHeadersAreNumbered(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventPhaseStarted, Phase: domain.PhaseCheckingExisting})
	w.Event(deploy.Event{Type: deploy.EventPhaseStarted, Phase: domain.PhaseProvisioning})
	w.Event(deploy.Event{Type: deploy.EventPhaseStarted, Phase: domain.PhaseDone})

	out := buf.String()
	assert.Contains(t, out, "Step 1: Checking existing CVMs...")
	assert.Contains(t, out, "Step 2: Provisioning CVM...")
	assert.NotContains(t, out, "Step 3")
}

func TestEvent_Teepods(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventTeepodsListed, Teepods: []domain.Teepod{
		{Name: "prod5", RegionIdentifier: "us-west"},
		{Name: "prod7", RegionIdentifier: "eu-central"},
	}})

	out := buf.String()
	assert.Contains(t, out, "2 teepods online")
	assert.Contains(t, out, "prod5 | us-west")
	assert.Contains(t, out, "prod7 | eu-central")
}

func TestEvent_ExistingFound(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventExistingFound, Instance: &domain.CVMInstance{
		ID: "42", Name: "abuclaw-tee", Status: "running",
	}})

	out := buf.String()
	assert.Contains(t, out, `"abuclaw-tee" already exists (id: 42)`)
	assert.Contains(t, out, "Status: running")
	assert.Contains(t, out, "Delete it first if you want to redeploy.")
}

func TestEvent_ProvisionedWithoutAppID(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventProvisioned, Provision: &domain.ProvisionResult{ComposeHash: "abc"}})

	out := buf.String()
	assert.Contains(t, out, "compose_hash: abc")
	assert.Contains(t, out, "app_id: N/A")
}

func TestEvent_PollAttempt(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventPollAttempt, Attempt: 3, MaxAttempts: 30, Status: "starting"})

	assert.Contains(t, buf.String(), "[3/30] Status: starting")
}

func TestEvent_Attestation(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventAttestation, Attestation: &domain.AttestationReport{
		Present:   true,
		QuoteType: "TDX",
		Measurements: &domain.Measurements{
			MRTD:  "aa",
			RTMRs: []string{"r0", "r1"},
		},
	}})

	out := buf.String()
	assert.Contains(t, out, "TEE attestation available")
	assert.Contains(t, out, "Quote type: TDX")
	assert.Contains(t, out, "MRTD: aa")
	assert.Contains(t, out, "RTMR1: r1")
}

func TestEvent_AttestationNotPresentIsSilent(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventAttestation, Attestation: &domain.AttestationReport{}})

	assert.Empty(t, buf.String())
}

func TestEvent_NetworkIsIndented(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventNetwork, Network: []byte(`{"public_urls":[{"app":"https://x"}]}`)})

	out := buf.String()
	assert.Contains(t, out, "Network:")
	assert.Contains(t, out, `    {`)
	assert.Contains(t, out, `"app": "https://x"`)
}

func TestEvent_FailureWithBody(t *testing.T) {
	w, buf := newTestWriter()

	failure := domain.NewDeploymentError(domain.ReasonProvisionRejected, domain.PhaseProvisioning, 400,
		[]byte(`{"detail":"bad compose"}`), errors.New("rejected"))
	w.Event(deploy.Event{Type: deploy.EventFailed, Failure: failure})

	out := buf.String()
	assert.Contains(t, out, "fail")
	assert.Contains(t, out, "status 400")
	assert.Contains(t, out, `"detail": "bad compose"`)
}

func TestEvent_Advisory(t *testing.T) {
	w, buf := newTestWriter()

	w.Event(deploy.Event{Type: deploy.EventAdvisory, Advisory: &domain.Advisory{
		Kind: domain.AdvisoryPollTimeout, Message: "still starting",
	}})

	assert.Contains(t, buf.String(), string(domain.AdvisoryPollTimeout)+": still starting")
}

// =============================================================================
// Summary Tests
// =============================================================================

func TestSummary_Done(t *testing.T) {
	w, buf := newTestWriter()

	w.Summary(&deploy.Outcome{
		Name:     "abuclaw-tee",
		Phase:    domain.PhaseDone,
		Instance: &domain.CVMInstance{ID: "99", Name: "abuclaw-tee", Status: "running"},
	})

	out := buf.String()
	assert.Contains(t, out, "Deploy Complete")
	assert.Contains(t, out, "CVM ID: 99")
	assert.Contains(t, out, "Status: running")
	assert.Contains(t, out, `curl -H "X-API-Key: $KEY" `+testBase+"/cvms/99/stats")
	assert.Contains(t, out, `curl -X DELETE -H "X-API-Key: $KEY" `+testBase+"/cvms/99")
}

func TestSummary_FailedWithoutInstance(t *testing.T) {
	w, buf := newTestWriter()

	w.Summary(&deploy.Outcome{
		Name:    "abuclaw-tee",
		Phase:   domain.PhaseFailed,
		Failure: domain.NewDeploymentError(domain.ReasonListRejected, domain.PhaseCheckingExisting, 500, nil, nil),
	})

	out := buf.String()
	assert.Contains(t, out, "Deploy Failed")
	assert.Contains(t, out, string(domain.ReasonListRejected))
	assert.NotContains(t, out, "Manage:")
	assert.NotContains(t, out, "CVM ID")
}

func TestSummary_Advisories(t *testing.T) {
	w, buf := newTestWriter()

	w.Summary(&deploy.Outcome{
		Name:     "x",
		Phase:    domain.PhaseDone,
		Instance: &domain.CVMInstance{ID: "1"},
		Advisories: []domain.Advisory{
			{Kind: domain.AdvisoryAttestationUnavailable},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Advisories:")
	assert.Contains(t, out, string(domain.AdvisoryAttestationUnavailable))
	assert.Contains(t, out, "Status: N/A")
}

func TestManageCommands_NeverContainKey(t *testing.T) {
	w, _ := newTestWriter()

	lines := w.ManageCommands("7")
	assert.Len(t, lines, 4)
	for _, line := range lines {
		assert.True(t, strings.Contains(line, "$KEY"))
		assert.Contains(t, line, testBase+"/cvms/7")
	}
}

func TestManageCommands_EscapeID(t *testing.T) {
	w, _ := newTestWriter()

	lines := w.ManageCommands("a/b")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], testBase+"/cvms/a%2Fb")
	assert.True(t, strings.HasSuffix(lines[1], testBase+"/cvms/a%2Fb/stats"))
	assert.True(t, strings.HasSuffix(lines[2], testBase+"/cvms/a%2Fb/attestation"))
	for _, line := range lines {
		assert.NotContains(t, line, "/cvms/a/b")
	}
}

func TestSealedDescriptor_HashMismatch(t *testing.T) {
	w, buf := newTestWriter()
	spec := compose.ComposeSpec{Text: "services: {}\n"}

	w.SealedDescriptor("att-1", "stale", spec, &compose.Summary{
		Services: []compose.ServiceSummary{{Name: "app", Image: "img:1", EnvironmentKeys: []string{"A"}}},
	})

	out := buf.String()
	assert.Contains(t, out, "Sealed descriptor for att-1")
	assert.Contains(t, out, "hash: "+spec.Hash())
	assert.Contains(t, out, "recorded compose hash is stale")
	assert.NotContains(t, out, "matches recorded compose hash")
	assert.Contains(t, out, "environment: A")
}
