// Package attestation decodes hardware attestation payloads returned by the
// control plane. This is part of the Functional Core - decoding never touches
// the network and never verifies signatures or collateral.
package attestation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"

	"github.com/artpar/cvmdeploy/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrNoQuote          = errors.New("payload carries no quote")
	ErrInvalidEncoding  = errors.New("quote is not valid hex")
	ErrMalformedQuote   = errors.New("quote could not be parsed")
	ErrUnsupportedQuote = errors.New("unsupported quote version")
)

// =============================================================================
// Payload Inspection
// =============================================================================

// payload is the subset of the attestation document this package reads.
type payload struct {
	QuoteType       string `json:"quote_type"`
	Quote           string `json:"quote"`
	AppCertificates []struct {
		Quote string `json:"quote"`
	} `json:"app_certificates"`
}

// QuoteType returns the quote_type of an attestation document, or
// domain.DefaultQuoteType when it is absent or the document does not parse.
func QuoteType(raw []byte) string {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || strings.TrimSpace(p.QuoteType) == "" {
		return domain.DefaultQuoteType
	}
	return p.QuoteType
}

// FindQuote returns the first raw quote in an attestation document: the
// top-level quote field, then each app certificate in order.
func FindQuote(raw []byte) (string, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", ErrNoQuote
	}
	if q := strings.TrimSpace(p.Quote); q != "" {
		return q, nil
	}
	for _, cert := range p.AppCertificates {
		if q := strings.TrimSpace(cert.Quote); q != "" {
			return q, nil
		}
	}
	return "", ErrNoQuote
}

// =============================================================================
// TDX Quote Decoding
// =============================================================================

// DecodeTDXQuote parses a hex-encoded TDX quote (optionally 0x-prefixed) and
// returns its measurement registers as lower-case hex.
func DecodeTDXQuote(quoteHex string) (*domain.Measurements, error) {
	quoteHex = strings.TrimPrefix(strings.TrimSpace(quoteHex), "0x")
	if quoteHex == "" {
		return nil, ErrNoQuote
	}

	rawQuote, err := hex.DecodeString(quoteHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	protoQuote, err := tdx_abi.QuoteToProto(rawQuote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuote, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedQuote, protoQuote)
	}
	body := v4Quote.GetTdQuoteBody()
	if body == nil {
		return nil, fmt.Errorf("%w: missing TD quote body", ErrMalformedQuote)
	}

	m := &domain.Measurements{
		MRTD:       hex.EncodeToString(body.GetMrTd()),
		ReportData: hex.EncodeToString(body.GetReportData()),
	}
	for _, rtmr := range body.GetRtmrs() {
		m.RTMRs = append(m.RTMRs, hex.EncodeToString(rtmr))
	}
	return m, nil
}

// Decode fills the measurement fields of report from its raw payload.
// A missing or undecodable quote is recorded in QuoteError; Present is never changed.
func Decode(report domain.AttestationReport) domain.AttestationReport {
	if !report.Present {
		return report
	}
	quote, err := FindQuote(report.Raw)
	if err != nil {
		report.QuoteError = err.Error()
		return report
	}
	m, err := DecodeTDXQuote(quote)
	if err != nil {
		report.QuoteError = err.Error()
		return report
	}
	report.Measurements = m
	report.QuoteError = ""
	return report
}
