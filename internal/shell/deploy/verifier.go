package deploy

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/artpar/cvmdeploy/internal/core/attestation"
	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/phala"
)

// Verifier fetches an instance's attestation document. It checks presence
// and decodes the quote registers; it does not verify the quote chain.
type Verifier struct {
	cp     ControlPlane
	logger *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(cp ControlPlane, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{cp: cp, logger: logger.With("component", "verifier")}
}

// Verify makes exactly one attestation request. A non-200 status or an empty
// or null body yields a report with Present false. Any other 200 body counts
// as present, JSON or not; only JSON bodies are kept in Raw and searched for a quote. The error is non-nil only
// when no response was obtained.
func (v *Verifier) Verify(ctx context.Context, id string) (domain.AttestationReport, error) {
	resp, err := v.cp.Do(ctx, http.MethodGet, phala.AttestationPath(id), nil)
	if err != nil {
		return domain.AttestationReport{}, err
	}

	if resp.Status != http.StatusOK || !resp.HasBody() {
		v.logger.Debug("attestation not available", "id", id, "http_status", resp.Status)
		return domain.AttestationReport{Present: false}, nil
	}

	report := attestation.Decode(domain.AttestationReport{
		Present:   true,
		QuoteType: attestation.QuoteType(resp.Body),
		Raw:       rawOrNil(resp.Body),
	})
	if report.QuoteError != "" {
		v.logger.Debug("quote not decoded", "id", id, "reason", report.QuoteError)
	}
	return report, nil
}
