package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/artpar/cvmdeploy/internal/core/compose"
	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/phala"
)

// =============================================================================
// Journal Hooks
// =============================================================================

// Journal records deployment attempts. Begin returning an error that wraps
// ErrLocked aborts the run before any control plane request; any other Begin
// error only disables journaling for the run.
type Journal interface {
	Begin(ctx context.Context, name string) (Attempt, error)
}

// Attempt is one journaled run. It receives every event of the run.
type Attempt interface {
	Reporter
	Finish(ctx context.Context, outcome *Outcome) error
}

// =============================================================================
// Orchestrator
// =============================================================================

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	Poll     PollConfig
	Sleep    SleepFunc
	Reporter Reporter
	Journal  Journal
	Logger   *slog.Logger
	Now      func() time.Time
}

// Orchestrator runs the deployment state machine. It holds no per-run state
// and may run several configs one after another.
type Orchestrator struct {
	cp       ControlPlane
	poll     PollConfig
	sleep    SleepFunc
	reporter Reporter
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cp ControlPlane, opts Options) *Orchestrator {
	o := &Orchestrator{
		cp:       cp,
		poll:     opts.Poll.withDefaults(),
		sleep:    opts.Sleep,
		reporter: opts.Reporter,
		journal:  opts.Journal,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if o.sleep == nil {
		o.sleep = contextSleep
	}
	if o.reporter == nil {
		o.reporter = NopReporter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// run is the state of a single Run call.
type run struct {
	o        *Orchestrator
	cfg      domain.DeploymentConfig
	outcome  *Outcome
	reporter Reporter
	logger   *slog.Logger
}

// Run executes one deployment attempt and always returns a terminal Outcome.
// Fatal conditions end in PhaseFailed; advisories are collected and the run
// continues.
func (o *Orchestrator) Run(ctx context.Context, cfg domain.DeploymentConfig) *Outcome {
	r := &run{
		o:        o,
		cfg:      cfg,
		outcome:  &Outcome{Name: cfg.Name(), Phase: domain.PhaseIdle, StartedAt: o.now()},
		reporter: o.reporter,
		logger:   o.logger.With("name", cfg.Name()),
	}

	if cfg.IsZero() {
		return r.fail(domain.ReasonConfiguration, nil, ErrEmptyConfig)
	}

	if o.journal != nil {
		attempt, err := o.journal.Begin(ctx, cfg.Name())
		switch {
		case errors.Is(err, ErrLocked):
			return r.fail(domain.ReasonLocked, nil, err)
		case err != nil:
			r.advise(domain.AdvisoryJournalUnavailable, err.Error())
		default:
			r.reporter = MultiReporter(o.reporter, attempt)
			defer func() {
				if err := attempt.Finish(context.WithoutCancel(ctx), r.outcome); err != nil {
					r.logger.Warn("failed to finish journal attempt", "error", err)
					r.outcome.Advisories = append(r.outcome.Advisories, domain.Advisory{
						Kind:    domain.AdvisoryJournalUnavailable,
						Message: err.Error(),
					})
				}
			}()
		}
	}

	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) *Outcome {
	// Existence check
	r.enter(domain.PhaseCheckingExisting)
	existing, done := r.checkExisting(ctx)
	if done {
		return r.outcome
	}
	if existing != nil {
		r.outcome.Instance = existing
		r.emit(Event{Type: EventExistingFound, Instance: existing})
		r.enter(domain.PhaseExistingFound)
		return r.finish()
	}

	// Provision
	r.enter(domain.PhaseProvisioning)
	provision, done := r.provision(ctx)
	if done {
		return r.outcome
	}
	r.outcome.Provision = provision

	// Create
	r.enter(domain.PhaseCreating)
	instance, done := r.create(ctx, provision)
	if done {
		return r.outcome
	}
	r.outcome.Instance = instance

	// Poll
	r.enter(domain.PhasePolling)
	if done := r.pollUntilRunning(ctx, instance.ID); done {
		return r.outcome
	}

	// Attestation
	r.enter(domain.PhaseVerifyingAttestation)
	r.verifyAttestation(ctx, instance.ID)

	// Network
	r.enter(domain.PhaseFetchingNetwork)
	r.fetchNetwork(ctx, instance.ID)

	r.enter(domain.PhaseDone)
	return r.finish()
}

// =============================================================================
// Phases
// =============================================================================

// checkExisting lists online teepods, then looks for an instance with the
// configured name. done is true when the run already failed.
func (r *run) checkExisting(ctx context.Context) (existing *domain.CVMInstance, done bool) {
	resp, err := r.o.cp.Do(ctx, http.MethodGet, phala.PathTeepods, nil)
	if err != nil {
		return nil, r.failed(domain.ReasonTransport, nil, err)
	}
	if resp.Status != http.StatusOK {
		return nil, r.failed(domain.ReasonListRejected, resp, unexpectedStatus(resp))
	}
	pods, err := phala.DecodeTeepods(resp.Body)
	if err != nil {
		return nil, r.failed(domain.ReasonListRejected, resp, err)
	}
	online := domain.OnlineTeepods(pods)
	r.outcome.Teepods = online
	r.emit(Event{Type: EventTeepodsListed, Teepods: online, Count: len(pods)})

	resp, err = r.o.cp.Do(ctx, http.MethodGet, phala.PathCVMs, nil)
	if err != nil {
		return nil, r.failed(domain.ReasonTransport, nil, err)
	}
	if resp.Status != http.StatusOK {
		return nil, r.failed(domain.ReasonListRejected, resp, unexpectedStatus(resp))
	}
	instances, err := phala.DecodeInstances(resp.Body)
	if err != nil {
		return nil, r.failed(domain.ReasonListRejected, resp, err)
	}
	r.emit(Event{Type: EventInstancesListed, Count: len(instances)})

	if inst, ok := domain.FindByName(instances, r.cfg.Name()); ok {
		r.logger.Info("instance already exists", "id", inst.ID, "status", inst.Status)
		return &inst, false
	}
	return nil, false
}

func (r *run) provision(ctx context.Context) (*domain.ProvisionResult, bool) {
	spec := compose.Generate(r.cfg)
	r.outcome.ComposeHash = spec.Hash()
	r.emit(Event{Type: EventDescriptorGenerated, Spec: &spec})

	resp, err := r.o.cp.Do(ctx, http.MethodPost, phala.PathProvision, phala.NewProvisionRequest(r.cfg.Name(), spec))
	if err != nil {
		return nil, r.failed(domain.ReasonTransport, nil, err)
	}
	if resp.Status != http.StatusOK {
		return nil, r.failed(domain.ReasonProvisionRejected, resp, unexpectedStatus(resp))
	}
	result, err := phala.DecodeProvision(resp.Body)
	if err != nil {
		return nil, r.failed(domain.ReasonProvisionRejected, resp, err)
	}

	r.logger.Info("provisioned", "compose_hash", result.ComposeHash, "app_id", result.ApplicationID)
	r.emit(Event{Type: EventProvisioned, Provision: &result})
	return &result, false
}

func (r *run) create(ctx context.Context, provision *domain.ProvisionResult) (*domain.CVMInstance, bool) {
	body := phala.CreateRequest{ComposeHash: provision.ComposeHash, Name: r.cfg.Name()}

	resp, err := r.o.cp.Do(ctx, http.MethodPost, phala.PathCVMs, body)
	if err != nil {
		return nil, r.failed(domain.ReasonTransport, nil, err)
	}
	if !resp.OK(http.StatusOK, http.StatusCreated) {
		return nil, r.failed(domain.ReasonCreateRejected, resp, unexpectedStatus(resp))
	}
	inst, err := phala.DecodeCreated(resp.Body)
	if err != nil {
		return nil, r.failed(domain.ReasonCreateRejected, resp, err)
	}
	if inst.Name == "" {
		inst.Name = r.cfg.Name()
	}

	r.logger.Info("instance created", "id", inst.ID)
	r.emit(Event{Type: EventCreated, Instance: &inst})
	return &inst, false
}

func (r *run) pollUntilRunning(ctx context.Context, id string) bool {
	poller := NewPoller(r.o.cp, r.o.poll,
		WithSleep(r.o.sleep),
		WithPollReporter(r.reporter),
		WithPollLogger(r.logger),
	)

	result, err := poller.PollUntilRunning(ctx, id)
	r.outcome.Polls = result.Attempts
	if result.Instance != nil {
		r.mergeObservation(result.Instance)
	}
	if err != nil {
		return r.failed(domain.ReasonTransport, nil, err)
	}

	switch result.Outcome {
	case PollStartupFailed:
		resp := &phala.Response{Status: result.LastStatus, Body: result.LastBody}
		return r.failed(domain.ReasonStartupFailed, resp,
			fmt.Errorf("instance reported status %q", r.outcome.LastStatus()))
	case PollTimedOut:
		r.advise(domain.AdvisoryPollTimeout,
			fmt.Sprintf("instance not running after %d status checks; check its status manually", result.Attempts))
	default:
		r.logger.Info("instance running", "id", id, "attempts", result.Attempts)
	}
	return false
}

func (r *run) verifyAttestation(ctx context.Context, id string) {
	report, err := NewVerifier(r.o.cp, r.logger).Verify(ctx, id)
	if err != nil {
		r.advise(domain.AdvisoryAttestationUnavailable, err.Error())
		return
	}
	r.outcome.Attestation = &report
	r.emit(Event{Type: EventAttestation, Attestation: &report})
	if !report.Present {
		r.advise(domain.AdvisoryAttestationUnavailable, ErrNoAttestation.Error())
	}
}

func (r *run) fetchNetwork(ctx context.Context, id string) {
	resp, err := r.o.cp.Do(ctx, http.MethodGet, phala.NetworkPath(id), nil)
	if err != nil {
		r.advise(domain.AdvisoryNetworkInfoUnavailable, err.Error())
		return
	}
	if resp.Status != http.StatusOK {
		r.advise(domain.AdvisoryNetworkInfoUnavailable, unexpectedStatus(resp).Error())
		return
	}
	network := rawOrNil(resp.Body)
	if network == nil {
		r.advise(domain.AdvisoryNetworkInfoUnavailable, "network payload is not JSON")
		return
	}
	r.outcome.Network = network
	r.emit(Event{Type: EventNetwork, Network: network})
}

// =============================================================================
// Helpers
// =============================================================================

// enter moves to the next phase. An illegal transition is a programming error.
func (r *run) enter(to domain.Phase) {
	from := r.outcome.Phase
	if err := domain.ValidatePhaseTransition(from, to); err != nil {
		panic(fmt.Sprintf("deploy: %v: %s -> %s", err, from, to))
	}
	r.outcome.Phase = to
	r.logger.Debug("phase transition", "from", from, "to", to)
	if !to.IsTerminal() {
		r.emit(Event{Type: EventPhaseStarted})
	}
}

func (r *run) emit(e Event) {
	if e.Phase == "" {
		e.Phase = r.outcome.Phase
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.o.now()
	}
	r.reporter.Event(e)
}

func (r *run) advise(kind domain.AdvisoryKind, message string) {
	a := domain.Advisory{Kind: kind, Message: message}
	r.outcome.Advisories = append(r.outcome.Advisories, a)
	r.logger.Warn("advisory", "kind", kind, "message", message)
	r.emit(Event{Type: EventAdvisory, Advisory: &a})
}

// failed records a fatal failure and returns true so phase methods can
// `return nil, r.failed(...)`.
func (r *run) failed(reason domain.FailureReason, resp *phala.Response, err error) bool {
	r.fail(reason, resp, err)
	return true
}

func (r *run) fail(reason domain.FailureReason, resp *phala.Response, err error) *Outcome {
	if reason == domain.ReasonTransport && errors.Is(err, context.Canceled) {
		reason = domain.ReasonCancelled
	}
	var status int
	var body []byte
	if resp != nil {
		status = resp.Status
		body = resp.Body
	}
	failure := domain.NewDeploymentError(reason, r.outcome.Phase, status, body, err)
	r.outcome.Failure = failure
	r.enter(domain.PhaseFailed)

	r.logger.Error("deployment failed", "reason", reason, "phase", failure.Phase, "http_status", status, "error", err)
	r.emit(Event{Type: EventFailed, Phase: failure.Phase, Failure: failure})
	return r.finish()
}

func (r *run) finish() *Outcome {
	r.outcome.FinishedAt = r.o.now()
	return r.outcome
}

// mergeObservation keeps the created instance's identity and adopts the
// latest observed status.
func (r *run) mergeObservation(observed *domain.CVMInstance) {
	if r.outcome.Instance == nil {
		r.outcome.Instance = observed
		return
	}
	merged := *r.outcome.Instance
	merged.Status = observed.Status
	merged.Raw = observed.Raw
	if merged.Name == "" {
		merged.Name = observed.Name
	}
	r.outcome.Instance = &merged
}

func unexpectedStatus(resp *phala.Response) error {
	return fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.Status)
}
