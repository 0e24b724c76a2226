// Package transcript renders deployment progress and results for humans.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/deploy"
	"github.com/artpar/cvmdeploy/internal/shell/phala"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorYellow = lipgloss.Color("#eab308")
	colorRed    = lipgloss.Color("#ef4444")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")
	colorWhite  = lipgloss.Color("#f9fafb")
)

type styles struct {
	title   lipgloss.Style
	section lipgloss.Style
	dim     lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(colorWhite),
		section: r.NewStyle().Bold(true).Foreground(colorBlue),
		dim:     r.NewStyle().Foreground(colorDim),
		ok:      r.NewStyle().Foreground(colorGreen),
		warn:    r.NewStyle().Foreground(colorYellow),
		fail:    r.NewStyle().Foreground(colorRed),
	}
}

// stepTitles are the headers printed when a phase starts.
var stepTitles = map[domain.Phase]string{
	domain.PhaseCheckingExisting:     "Checking existing CVMs...",
	domain.PhaseProvisioning:         "Provisioning CVM...",
	domain.PhaseCreating:             "Creating CVM...",
	domain.PhasePolling:              "Waiting for CVM to start...",
	domain.PhaseVerifyingAttestation: "Checking attestation...",
	domain.PhaseFetchingNetwork:      "Getting network info...",
}

// Writer prints a deployment transcript. It implements deploy.Reporter.
type Writer struct {
	out     io.Writer
	apiBase string
	st      styles

	mu   sync.Mutex
	step int
}

var _ deploy.Reporter = (*Writer)(nil)

// New creates a Writer. apiBase is used for the manage commands.
// Colors are used only when out is a terminal.
func New(out io.Writer, apiBase string) *Writer {
	return &Writer{
		out:     out,
		apiBase: strings.TrimRight(apiBase, "/"),
		st:      newStyles(lipgloss.NewRenderer(out)),
	}
}

// =============================================================================
// Progress Events
// =============================================================================

// Event renders one progress event.
func (w *Writer) Event(e deploy.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch e.Type {
	case deploy.EventPhaseStarted:
		title, ok := stepTitles[e.Phase]
		if !ok {
			return
		}
		w.step++
		w.printf("\n%s\n", w.st.section.Render(fmt.Sprintf("Step %d: %s", w.step, title)))

	case deploy.EventTeepodsListed:
		w.okLine(fmt.Sprintf("%d teepods online", len(e.Teepods)))
		for _, p := range e.Teepods {
			w.printf("     %s | %s\n", p.Name, p.RegionIdentifier)
		}

	case deploy.EventInstancesListed:
		w.printf("  Found %d existing CVMs\n", e.Count)

	case deploy.EventExistingFound:
		if e.Instance == nil {
			return
		}
		w.warnLine(fmt.Sprintf("CVM %q already exists (id: %s)", e.Instance.Name, e.Instance.ID))
		w.printf("  Status: %s\n", e.Instance.Status)
		w.printf("  %s\n", w.st.dim.Render("Delete it first if you want to redeploy."))

	case deploy.EventDescriptorGenerated:
		if e.Spec != nil {
			w.okLine("Compose generated")
			w.printf("  %s\n", w.st.dim.Render("local hash: "+e.Spec.Hash()))
		}

	case deploy.EventProvisioned:
		if e.Provision == nil {
			return
		}
		w.okLine("Provisioned")
		w.printf("  compose_hash: %s\n", orNA(e.Provision.ComposeHash))
		w.printf("  app_id: %s\n", orNA(e.Provision.ApplicationID))

	case deploy.EventCreated:
		if e.Instance != nil {
			w.okLine("CVM created: " + e.Instance.ID)
		}

	case deploy.EventPollAttempt:
		w.printf("  [%d/%d] Status: %s\n", e.Attempt, e.MaxAttempts, e.Status)

	case deploy.EventAttestation:
		if e.Attestation == nil || !e.Attestation.Present {
			return
		}
		w.okLine("TEE attestation available")
		w.printf("  Quote type: %s\n", e.Attestation.QuoteType)
		if m := e.Attestation.Measurements; m != nil {
			w.printf("  MRTD: %s\n", m.MRTD)
			for i, rtmr := range m.RTMRs {
				w.printf("  RTMR%d: %s\n", i, rtmr)
			}
		}

	case deploy.EventNetwork:
		w.printf("  Network:\n%s\n", indent(prettyJSON(e.Network), "    "))

	case deploy.EventAdvisory:
		if e.Advisory != nil {
			w.warnLine(advisoryText(*e.Advisory))
		}

	case deploy.EventFailed:
		if e.Failure == nil {
			return
		}
		w.failLine(e.Failure.Error())
		if len(e.Failure.Body) > 0 {
			w.printf("  Details:\n%s\n", indent(prettyJSON(e.Failure.Body), "    "))
		}
	}
}

// =============================================================================
// Summary
// =============================================================================

// Summary renders the final result of a run.
func (w *Writer) Summary(o *deploy.Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var heading string
	switch o.Phase {
	case domain.PhaseDone:
		heading = "=== Deploy Complete ==="
	case domain.PhaseExistingFound:
		heading = "=== Already Deployed ==="
	default:
		heading = "=== Deploy Failed ==="
	}
	w.printf("\n%s\n", w.st.title.Render(heading))

	if id := o.InstanceID(); id != "" {
		w.printf("CVM ID: %s\n", id)
	}
	w.printf("Name: %s\n", o.Name)
	if o.Instance != nil {
		w.printf("Status: %s\n", orNA(o.Instance.Status))
	}
	if o.Failure != nil {
		w.printf("Reason: %s\n", w.st.fail.Render(string(o.Failure.Reason)))
	}

	if len(o.Advisories) > 0 {
		w.printf("\n%s\n", w.st.section.Render("Advisories:"))
		for _, a := range o.Advisories {
			w.printf("  %s\n", w.st.warn.Render(advisoryText(a)))
		}
	}

	if id := o.InstanceID(); id != "" {
		w.printf("\n%s\n", w.st.section.Render("Manage:"))
		for _, line := range w.ManageCommands(id) {
			w.printf("  %s\n", line)
		}
	}
}

// ManageCommands returns copy-pasteable commands for an instance. The API key
// is referenced as $KEY and never printed.
func (w *Writer) ManageCommands(id string) []string {
	return []string{
		fmt.Sprintf(`Status:  curl -H "X-API-Key: $KEY" %s%s`, w.apiBase, phala.CVMPath(id)),
		fmt.Sprintf(`Logs:    curl -H "X-API-Key: $KEY" %s%s`, w.apiBase, phala.StatsPath(id)),
		fmt.Sprintf(`Attest:  curl -H "X-API-Key: $KEY" %s%s`, w.apiBase, phala.AttestationPath(id)),
		fmt.Sprintf(`Delete:  curl -X DELETE -H "X-API-Key: $KEY" %s%s`, w.apiBase, phala.CVMPath(id)),
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (w *Writer) printf(format string, args ...any) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *Writer) okLine(msg string) {
	w.printf("  %s %s\n", w.st.ok.Render("ok"), msg)
}

func (w *Writer) warnLine(msg string) {
	w.printf("  %s %s\n", w.st.warn.Render("warn"), msg)
}

func (w *Writer) failLine(msg string) {
	w.printf("  %s %s\n", w.st.fail.Render("fail"), msg)
}

func advisoryText(a domain.Advisory) string {
	if a.Message == "" {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s: %s", a.Kind, a.Message)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// prettyJSON indents JSON payloads and returns anything else unchanged.
func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
