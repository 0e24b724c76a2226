package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/artpar/cvmdeploy/internal/core/compose"
	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/journal"
)

// =============================================================================
// One-shot Views
// =============================================================================

// Instance prints one instance with its normalized status.
func (w *Writer) Instance(inst domain.CVMInstance) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.printf("CVM ID: %s\n", inst.ID)
	w.printf("Name: %s\n", orNA(inst.Name))
	w.printf("Status: %s (%s)\n", orNA(inst.Status), w.classStyle(inst.Class()).Render(string(inst.Class())))
}

// Listing prints online teepods and existing instances.
func (w *Writer) Listing(teepods []domain.Teepod, instances []domain.CVMInstance) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.printf("%s\n", w.st.section.Render(fmt.Sprintf("Teepods (%d online)", len(teepods))))
	for _, p := range teepods {
		w.printf("  %s | %s\n", p.Name, p.RegionIdentifier)
	}

	w.printf("\n%s\n", w.st.section.Render(fmt.Sprintf("CVMs (%d)", len(instances))))
	if len(instances) == 0 {
		w.printf("  %s\n", w.st.dim.Render("none"))
	}
	for _, inst := range instances {
		w.printf("  %-24s %-12s %s\n", inst.Name, inst.ID, w.classStyle(inst.Class()).Render(orNA(inst.Status)))
	}
}

// Attestation prints an attestation report fetched on demand.
func (w *Writer) Attestation(id string, report domain.AttestationReport) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !report.Present {
		w.warnLine(fmt.Sprintf("Attestation for %s not yet available (may take a moment)", id))
		return
	}
	w.okLine("TEE attestation available")
	w.printf("  Quote type: %s\n", report.QuoteType)
	if m := report.Measurements; m != nil {
		w.printf("  MRTD: %s\n", m.MRTD)
		for i, rtmr := range m.RTMRs {
			w.printf("  RTMR%d: %s\n", i, rtmr)
		}
		w.printf("  Report data: %s\n", m.ReportData)
	}
	if report.QuoteError != "" {
		w.printf("  %s\n", w.st.dim.Render("quote not decoded: "+report.QuoteError))
	}
}

// Network prints a network document.
func (w *Writer) Network(raw []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.printf("%s\n", prettyJSON(raw))
}

// Descriptor prints a redacted descriptor with its hash and what it declares.
func (w *Writer) Descriptor(redacted string, spec compose.ComposeSpec, summary *compose.Summary) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.printf("%s\n", w.st.section.Render("Descriptor"))
	w.printf("%s\n", indent(redacted, "  "))
	w.printf("\n%s\n", w.st.section.Render("Metadata"))
	w.printf("  hash: %s\n", spec.Hash())
	w.printf("  manifest_version: %d\n", spec.ManifestVersion)
	w.printf("  runner: %s\n", spec.Runner)
	w.printf("  features: %s\n", strings.Join(spec.Features, ", "))
	w.printf("  resources: %d vCPU, %d MiB memory, %d GiB disk\n",
		spec.Resources.VCPU, spec.Resources.MemoryMiB, spec.Resources.DiskGiB)

	w.services(summary)
}

// SealedDescriptor prints the services of a journaled descriptor and whether
// it still matches the hash recorded for the attempt. Values are never shown.
func (w *Writer) SealedDescriptor(id, recordedHash string, spec compose.ComposeSpec, summary *compose.Summary) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.printf("%s\n", w.st.section.Render("Sealed descriptor for "+id))
	hash := spec.Hash()
	w.printf("  hash: %s\n", hash)
	if hash == recordedHash {
		w.okLine("matches recorded compose hash")
	} else {
		w.failLine(fmt.Sprintf("recorded compose hash is %s", orNA(recordedHash)))
	}
	w.services(summary)
}

func (w *Writer) services(summary *compose.Summary) {
	if summary == nil {
		return
	}
	for _, svc := range summary.Services {
		w.printf("\n%s\n", w.st.section.Render("Service "+svc.Name))
		w.printf("  image: %s\n", svc.Image)
		if svc.Restart != "" {
			w.printf("  restart: %s\n", svc.Restart)
		}
		if len(svc.Ports) > 0 {
			w.printf("  ports: %s\n", strings.Join(svc.Ports, ", "))
		}
		if len(svc.EnvironmentKeys) > 0 {
			w.printf("  environment: %s\n", strings.Join(svc.EnvironmentKeys, ", "))
		}
		if len(svc.Mounts) > 0 {
			w.printf("  mounts: %s\n", strings.Join(svc.Mounts, ", "))
		}
	}
}

// History prints journaled attempts, newest first.
func (w *Writer) History(records []journal.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(records) == 0 {
		w.printf("%s\n", w.st.dim.Render("No attempts recorded."))
		return
	}
	for _, r := range records {
		state := w.stateStyle(r.State).Render(r.State)
		w.printf("%s  %s  %-20s %s", r.StartedAt.Local().Format(time.DateTime), r.ID, r.Name, state)
		if r.InstanceID != "" {
			w.printf("  cvm=%s", r.InstanceID)
		}
		if r.FailureReason != "" {
			w.printf("  reason=%s", r.FailureReason)
		}
		w.printf("\n")
	}
}

// AttemptDetail prints one attempt and its events.
func (w *Writer) AttemptDetail(r journal.Record, events []journal.EventRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.printf("Attempt: %s\n", r.ID)
	w.printf("Name: %s\n", r.Name)
	w.printf("State: %s (phase %s)\n", w.stateStyle(r.State).Render(r.State), r.Phase)
	if r.InstanceID != "" {
		w.printf("CVM ID: %s\n", r.InstanceID)
	}
	if r.ComposeHash != "" {
		w.printf("Compose hash: %s\n", r.ComposeHash)
	}
	if r.FailureReason != "" {
		w.printf("Failure: %s %s\n", r.FailureReason, r.FailureMessage)
	}
	for _, a := range r.Advisories {
		w.printf("Advisory: %s\n", advisoryText(a))
	}
	w.printf("Polls: %d\n", r.Polls)

	w.printf("\n%s\n", w.st.section.Render("Events"))
	for _, e := range events {
		w.printf("  %s  %-22s %s\n", e.CreatedAt.Local().Format(time.TimeOnly), e.Type, e.Detail)
	}
}

func (w *Writer) classStyle(class domain.StatusClass) lipgloss.Style {
	switch class {
	case domain.StatusRunning:
		return w.st.ok
	case domain.StatusFailed:
		return w.st.fail
	default:
		return w.st.warn
	}
}

func (w *Writer) stateStyle(state string) lipgloss.Style {
	switch state {
	case journal.StateDone, journal.StateExistingFound:
		return w.st.ok
	case journal.StateFailed, journal.StateAbandoned:
		return w.st.fail
	default:
		return w.st.warn
	}
}

// Deleted confirms an instance deletion.
func (w *Writer) Deleted(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.okLine("CVM deleted: " + id)
}
