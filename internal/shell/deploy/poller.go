package deploy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/phala"
)

// ControlPlane is the transport the deploy package needs.
// *phala.Client satisfies it.
type ControlPlane interface {
	Do(ctx context.Context, method, path string, body any) (*phala.Response, error)
}

// =============================================================================
// Poll Configuration
// =============================================================================

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultPollMaxAttempts = 30
)

// PollConfig bounds the status polling loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollConfig waits 10s before each of at most 30 status requests.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: DefaultPollInterval, MaxAttempts: DefaultPollMaxAttempts}
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultPollMaxAttempts
	}
	return c
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// =============================================================================
// Poll Result
// =============================================================================

// PollOutcome is how a polling loop ended.
type PollOutcome string

const (
	PollRunning       PollOutcome = "running"
	PollStartupFailed PollOutcome = "startup_failed"
	PollTimedOut      PollOutcome = "timed_out"
)

// PollResult describes the last observation of a polling loop.
type PollResult struct {
	Outcome  PollOutcome
	Attempts int
	// Instance is the last successfully decoded observation, if any.
	Instance *domain.CVMInstance
	// LastStatus is the HTTP status of the last response.
	LastStatus int
	LastBody   []byte
}

// =============================================================================
// Poller
// =============================================================================

// Poller polls one instance until it runs, fails, or the attempt budget is spent.
type Poller struct {
	cp       ControlPlane
	cfg      PollConfig
	sleep    SleepFunc
	reporter Reporter
	logger   *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) PollerOption {
	return func(p *Poller) { p.sleep = fn }
}

// WithPollReporter sets the reporter notified of every attempt.
func WithPollReporter(r Reporter) PollerOption {
	return func(p *Poller) { p.reporter = r }
}

// WithPollLogger sets the logger.
func WithPollLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// NewPoller creates a Poller. Non-positive config values fall back to defaults.
func NewPoller(cp ControlPlane, cfg PollConfig, opts ...PollerOption) *Poller {
	p := &Poller{
		cp:       cp,
		cfg:      cfg.withDefaults(),
		sleep:    contextSleep,
		reporter: NopReporter{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "poller")
	return p
}

// Config returns the effective configuration.
func (p *Poller) Config() PollConfig {
	return p.cfg
}

// PollUntilRunning waits Interval, then fetches the instance, up to MaxAttempts
// times. It returns on the first running or failed observation. Non-200 and
// undecodable responses count as pending. A transport error or a cancelled
// context ends polling with an error.
func (p *Poller) PollUntilRunning(ctx context.Context, id string) (PollResult, error) {
	result := PollResult{Outcome: PollTimedOut}
	path := phala.CVMPath(id)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return result, err
		}

		resp, err := p.cp.Do(ctx, http.MethodGet, path, nil)
		result.Attempts = attempt
		if err != nil {
			return result, err
		}
		result.LastStatus = resp.Status
		result.LastBody = resp.Body

		class := domain.StatusPending
		status := ""
		if resp.Status == http.StatusOK {
			if inst, err := phala.DecodeInstance(resp.Body); err == nil {
				result.Instance = &inst
				status = inst.Status
				class = inst.Class()
			}
		}

		p.logger.Debug("poll attempt",
			"id", id,
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"http_status", resp.Status,
			"status", status,
		)
		p.reporter.Event(Event{
			Type:        EventPollAttempt,
			Phase:       domain.PhasePolling,
			Timestamp:   time.Now(),
			Attempt:     attempt,
			MaxAttempts: p.cfg.MaxAttempts,
			Status:      status,
		})

		switch class {
		case domain.StatusRunning:
			result.Outcome = PollRunning
			return result, nil
		case domain.StatusFailed:
			result.Outcome = PollStartupFailed
			return result, nil
		}
	}

	return result, nil
}

// rawOrNil returns body as a RawMessage when it is JSON.
func rawOrNil(body []byte) json.RawMessage {
	resp := phala.Response{Body: body}
	if !resp.JSON() {
		return nil
	}
	return append(json.RawMessage(nil), body...)
}
