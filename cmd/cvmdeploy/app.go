package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/artpar/cvmdeploy/internal/core/compose"
	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/credentials"
	"github.com/artpar/cvmdeploy/internal/shell/deploy"
	"github.com/artpar/cvmdeploy/internal/shell/journal"
	"github.com/artpar/cvmdeploy/internal/shell/phala"
	"github.com/artpar/cvmdeploy/internal/shell/transcript"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess = 0
	ExitFailure = 1
)

// =============================================================================
// App
// =============================================================================

// App wires configuration, credentials, the control plane client and the
// journal for one CLI invocation.
type App struct {
	cfg    *Config
	logger *slog.Logger
	out    *transcript.Writer
	loader *credentials.Loader
	sleep  deploy.SleepFunc

	client *phala.Client
}

// AppOption customizes an App.
type AppOption func(*App)

// WithLoader replaces the credential loader.
func WithLoader(l *credentials.Loader) AppOption {
	return func(a *App) { a.loader = l }
}

// WithSleep replaces the poll sleep.
func WithSleep(fn deploy.SleepFunc) AppOption {
	return func(a *App) { a.sleep = fn }
}

// NewApp creates an App. Nothing is resolved or opened until a command needs it.
func NewApp(cfg *Config, logger *slog.Logger, stdout io.Writer, opts ...AppOption) *App {
	a := &App{
		cfg:    cfg,
		logger: logger,
		out:    transcript.New(stdout, cfg.API.BaseURL),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.loader == nil {
		a.loader = credentials.NewLoader()
	}
	return a
}

// controlPlane resolves the API key and creates the client on first use.
func (a *App) controlPlane() (*phala.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	key, err := a.loader.Resolve("api key", a.cfg.API.KeySource)
	if err != nil {
		return nil, &CommandError{Op: "resolve api key", Err: err, ExitCode: ExitFailure}
	}
	a.client = phala.NewClient(phala.Config{
		BaseURL: a.cfg.API.BaseURL,
		APIKey:  key,
		Timeout: a.cfg.API.Timeout,
	}, a.logger)
	return a.client, nil
}

// assemble loads every configured secret and builds the deployment config.
func (a *App) assemble() (domain.DeploymentConfig, error) {
	secrets, err := a.loader.Load(a.cfg.Deployment.Secrets)
	if err != nil {
		return domain.DeploymentConfig{}, &CommandError{Op: "load secrets", Err: err, ExitCode: ExitFailure}
	}
	cfg, err := domain.Assemble(secrets, a.cfg.Deployment.Params())
	if err != nil {
		return domain.DeploymentConfig{}, &CommandError{Op: "assemble config", Err: err, ExitCode: ExitFailure}
	}
	return cfg, nil
}

// openJournal opens the configured journal. The caller closes it.
func (a *App) openJournal() (*journal.Store, error) {
	path, err := credentials.ExpandHome(a.cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	return journal.Open(path, journal.Options{
		EncryptionKey: a.cfg.Journal.EncryptionKey,
		LockTTL:       a.cfg.Journal.LockTTL,
		Logger:        a.logger,
	})
}

// =============================================================================
// Operations
// =============================================================================

// Deploy runs one deployment attempt and prints its transcript.
func (a *App) Deploy(ctx context.Context) error {
	cfg, err := a.assemble()
	if err != nil {
		return err
	}
	client, err := a.controlPlane()
	if err != nil {
		return err
	}

	var jrnl deploy.Journal
	if a.cfg.Journal.Enabled {
		store, err := a.openJournal()
		if err != nil {
			a.logger.Warn("journal unavailable", "error", err)
			jrnl = unavailableJournal{err: err}
		} else {
			defer store.Close()
			jrnl = store
		}
	}

	orch := deploy.NewOrchestrator(client, deploy.Options{
		Poll: deploy.PollConfig{
			Interval:    a.cfg.Poll.Interval,
			MaxAttempts: a.cfg.Poll.MaxAttempts,
		},
		Sleep:    a.sleep,
		Reporter: a.out,
		Journal:  jrnl,
		Logger:   a.logger,
	})

	outcome := orch.Run(ctx, cfg)
	a.out.Summary(outcome)

	a.logger.Info("deployment finished",
		"name", outcome.Name,
		"phase", outcome.Phase,
		"instance_id", outcome.InstanceID(),
		"advisories", len(outcome.Advisories),
		"duration", outcome.Duration(),
	)

	if code := outcome.ExitCode(); code != ExitSuccess {
		return &CommandError{Op: "deploy", Err: outcome.Err(), ExitCode: code}
	}
	return nil
}

// Status prints one instance.
func (a *App) Status(ctx context.Context, id string) error {
	resp, err := a.get(ctx, "status", phala.CVMPath(id))
	if err != nil {
		return err
	}
	inst, err := phala.DecodeInstance(resp.Body)
	if err != nil {
		return &CommandError{Op: "status", Err: err, ExitCode: ExitFailure}
	}
	if inst.ID == "" {
		inst.ID = id
	}
	a.out.Instance(inst)
	return nil
}

// Attest fetches and prints the attestation of an instance once.
func (a *App) Attest(ctx context.Context, id string) error {
	client, err := a.controlPlane()
	if err != nil {
		return err
	}
	report, err := deploy.NewVerifier(client, a.logger).Verify(ctx, id)
	if err != nil {
		return &CommandError{Op: "attest", Err: err, ExitCode: ExitFailure}
	}
	a.out.Attestation(id, report)
	if !report.Present {
		return &CommandError{Op: "attest", Err: deploy.ErrNoAttestation, ExitCode: ExitFailure}
	}
	return nil
}

// Network prints the network document of an instance.
func (a *App) Network(ctx context.Context, id string) error {
	resp, err := a.get(ctx, "network", phala.NetworkPath(id))
	if err != nil {
		return err
	}
	if !resp.JSON() {
		return &CommandError{Op: "network", Err: phala.ErrUnexpectedPayload, ExitCode: ExitFailure}
	}
	a.out.Network(resp.Body)
	return nil
}

// Delete removes an instance.
func (a *App) Delete(ctx context.Context, id string) error {
	client, err := a.controlPlane()
	if err != nil {
		return err
	}
	resp, err := client.Do(ctx, http.MethodDelete, phala.CVMPath(id), nil)
	if err != nil {
		return &CommandError{Op: "delete", Err: err, ExitCode: ExitFailure}
	}
	if !resp.OK(http.StatusOK, http.StatusAccepted, http.StatusNoContent) {
		return &CommandError{Op: "delete", Err: statusError(resp), ExitCode: ExitFailure}
	}
	a.logger.Info("instance deleted", "instance_id", id, "status", resp.Status)
	a.out.Deleted(id)
	return nil
}

// List prints online teepods and existing instances.
func (a *App) List(ctx context.Context) error {
	resp, err := a.get(ctx, "list teepods", phala.PathTeepods)
	if err != nil {
		return err
	}
	teepods, err := phala.DecodeTeepods(resp.Body)
	if err != nil {
		return &CommandError{Op: "list teepods", Err: err, ExitCode: ExitFailure}
	}

	resp, err = a.get(ctx, "list cvms", phala.PathCVMs)
	if err != nil {
		return err
	}
	instances, err := phala.DecodeInstances(resp.Body)
	if err != nil {
		return &CommandError{Op: "list cvms", Err: err, ExitCode: ExitFailure}
	}

	a.out.Listing(domain.OnlineTeepods(teepods), instances)
	return nil
}

// Render prints the redacted descriptor a deploy would submit. No requests are made.
func (a *App) Render() error {
	cfg, err := a.assemble()
	if err != nil {
		return err
	}
	spec := compose.Generate(cfg)
	summary, err := compose.Inspect(spec.Text)
	if err != nil {
		return &CommandError{Op: "render", Err: err, ExitCode: ExitFailure}
	}
	a.out.Descriptor(compose.Redact(cfg), spec, summary)
	return nil
}

// History prints journaled attempts, or one attempt's events when id is set.
func (a *App) History(ctx context.Context, id string, limit int, descriptor bool) error {
	if descriptor && id == "" {
		return &CommandError{Op: "history", Err: errors.New("--descriptor needs an attempt id"), ExitCode: ExitFailure}
	}

	store, err := a.openJournal()
	if err != nil {
		return &CommandError{Op: "open journal", Err: err, ExitCode: ExitFailure}
	}
	defer store.Close()

	if id == "" {
		records, err := store.List(ctx, limit)
		if err != nil {
			return &CommandError{Op: "history", Err: err, ExitCode: ExitFailure}
		}
		a.out.History(records)
		return nil
	}

	record, err := store.Get(ctx, id)
	if err != nil {
		return &CommandError{Op: "history", Err: err, ExitCode: ExitFailure}
	}
	if descriptor {
		return a.sealedDescriptor(ctx, store, record)
	}
	events, err := store.Events(ctx, id)
	if err != nil {
		return &CommandError{Op: "history", Err: err, ExitCode: ExitFailure}
	}
	a.out.AttemptDetail(*record, events)
	return nil
}

func (a *App) sealedDescriptor(ctx context.Context, store *journal.Store, record *journal.Record) error {
	if !store.Sealing() {
		return &CommandError{Op: "history", Err: errors.New("journal.encryption_key is not set; descriptors are not sealed"), ExitCode: ExitFailure}
	}
	text, err := store.Descriptor(ctx, record.ID)
	if err != nil {
		return &CommandError{Op: "history", Err: err, ExitCode: ExitFailure}
	}
	summary, err := compose.Inspect(text)
	if err != nil {
		return &CommandError{Op: "history", Err: err, ExitCode: ExitFailure}
	}
	a.out.SealedDescriptor(record.ID, record.ComposeHash, compose.ComposeSpec{Text: text}, summary)
	return nil
}

// get performs a GET that must answer 200.
func (a *App) get(ctx context.Context, op, path string) (*phala.Response, error) {
	client, err := a.controlPlane()
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &CommandError{Op: op, Err: err, ExitCode: ExitFailure}
	}
	if !resp.OK(http.StatusOK) {
		return nil, &CommandError{Op: op, Err: statusError(resp), ExitCode: ExitFailure}
	}
	return resp, nil
}

func statusError(resp *phala.Response) error {
	return fmt.Errorf("%w %d: %s", deploy.ErrUnexpectedStatus, resp.Status, resp.String())
}

// unavailableJournal reports why the journal could not be opened. The
// orchestrator turns the Begin error into an advisory.
type unavailableJournal struct {
	err error
}

func (j unavailableJournal) Begin(context.Context, string) (deploy.Attempt, error) {
	return nil, j.err
}

// =============================================================================
// Command Error
// =============================================================================

// CommandError represents a failed CLI operation.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return e.Op + " failed"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitCode maps an error returned by a command to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return ExitFailure
}
