package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/cvmdeploy/internal/core/compose"
	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/deploy"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestStore(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	store, err := Open(":memory:", opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store, clock
}

func testSpec(t *testing.T) compose.ComposeSpec {
	t.Helper()
	cfg, err := domain.Assemble(
		map[string]string{"ANTHROPIC_API_KEY": "sk-ant-secret"},
		domain.FixedParams{Name: "x", ModelIdentifier: "m", RequiredSecrets: []string{"ANTHROPIC_API_KEY"}},
	)
	require.NoError(t, err)
	return compose.Generate(cfg)
}

func doneOutcome() *deploy.Outcome {
	return &deploy.Outcome{
		Name:     "x",
		Phase:    domain.PhaseDone,
		Instance: &domain.CVMInstance{ID: "cvm-1", Name: "x", Status: "running"},
		Polls:    3,
		Advisories: []domain.Advisory{
			{Kind: domain.AdvisoryNetworkInfoUnavailable, Message: "unexpected status 404"},
		},
	}
}

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	store, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening runs migrations again without error.
	store, err = Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

// =============================================================================
// Lock Tests
// =============================================================================

func TestBegin_LocksName(t *testing.T) {
	store, _ := setupTestStore(t, Options{})
	ctx := context.Background()

	first, err := store.Begin(ctx, "x")
	require.NoError(t, err)

	_, err = store.Begin(ctx, "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttemptInProgress))
	assert.True(t, errors.Is(err, deploy.ErrLocked))

	var jerr *JournalError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, first.(*Attempt).ID(), jerr.ID)

	// Other names are unaffected.
	_, err = store.Begin(ctx, "y")
	require.NoError(t, err)
}

func TestBegin_ReleasedByFinish(t *testing.T) {
	store, _ := setupTestStore(t, Options{})
	ctx := context.Background()

	attempt, err := store.Begin(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, attempt.Finish(ctx, doneOutcome()))

	_, err = store.Begin(ctx, "x")
	assert.NoError(t, err)
}

func TestBegin_TakesOverStaleLock(t *testing.T) {
	store, clock := setupTestStore(t, Options{LockTTL: 10 * time.Minute})
	ctx := context.Background()

	stale, err := store.Begin(ctx, "x")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = store.Begin(ctx, "x")
	require.True(t, errors.Is(err, ErrAttemptInProgress))

	clock.Advance(6 * time.Minute)
	fresh, err := store.Begin(ctx, "x")
	require.NoError(t, err)

	rec, err := store.Get(ctx, stale.(*Attempt).ID())
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, rec.State)
	require.NotNil(t, rec.FinishedAt)

	rec, err = store.Get(ctx, fresh.(*Attempt).ID())
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, rec.State)
}

func TestBegin_EventsRefreshLock(t *testing.T) {
	store, clock := setupTestStore(t, Options{LockTTL: 10 * time.Minute})
	ctx := context.Background()

	attempt, err := store.Begin(ctx, "x")
	require.NoError(t, err)

	clock.Advance(8 * time.Minute)
	attempt.Event(deploy.Event{Type: deploy.EventPollAttempt, Phase: domain.PhasePolling, Attempt: 1, MaxAttempts: 30})

	clock.Advance(8 * time.Minute)
	_, err = store.Begin(ctx, "x")
	assert.True(t, errors.Is(err, ErrAttemptInProgress))
}

// =============================================================================
// Recording Tests
// =============================================================================

func TestAttempt_RecordsRun(t *testing.T) {
	store, _ := setupTestStore(t, Options{})
	ctx := context.Background()

	attempt, err := store.Begin(ctx, "x")
	require.NoError(t, err)
	id := attempt.(*Attempt).ID()

	spec := testSpec(t)
	attempt.Event(deploy.Event{Type: deploy.EventPhaseStarted, Phase: domain.PhaseProvisioning})
	attempt.Event(deploy.Event{Type: deploy.EventDescriptorGenerated, Phase: domain.PhaseProvisioning, Spec: &spec})
	attempt.Event(deploy.Event{Type: deploy.EventCreated, Phase: domain.PhaseCreating,
		Instance: &domain.CVMInstance{ID: "cvm-1", Name: "x"}})
	require.NoError(t, attempt.Finish(ctx, doneOutcome()))

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "x", rec.Name)
	assert.Equal(t, StateDone, rec.State)
	assert.Equal(t, domain.PhaseDone, rec.Phase)
	assert.Equal(t, "cvm-1", rec.InstanceID)
	assert.Equal(t, spec.Hash(), rec.ComposeHash)
	assert.False(t, rec.HasDescriptor, "no key configured, descriptor not stored")
	assert.Equal(t, 3, rec.Polls)
	require.Len(t, rec.Advisories, 1)
	assert.Equal(t, domain.AdvisoryNetworkInfoUnavailable, rec.Advisories[0].Kind)
	require.NotNil(t, rec.FinishedAt)

	events, err := store.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, deploy.EventDescriptorGenerated, events[1].Type)
	assert.Equal(t, "compose_hash="+spec.Hash(), events[1].Detail)
	assert.Equal(t, "id=cvm-1 status=", events[2].Detail)

	_, err = store.Descriptor(ctx, id)
	assert.True(t, errors.Is(err, ErrNoDescriptor))
}

func TestAttempt_SealsDescriptor(t *testing.T) {
	store, _ := setupTestStore(t, Options{EncryptionKey: "journal-passphrase"})
	ctx := context.Background()
	require.True(t, store.Sealing())

	attempt, err := store.Begin(ctx, "x")
	require.NoError(t, err)
	id := attempt.(*Attempt).ID()

	spec := testSpec(t)
	attempt.Event(deploy.Event{Type: deploy.EventDescriptorGenerated, Phase: domain.PhaseProvisioning, Spec: &spec})

	var sealed string
	require.NoError(t, store.db.Get(&sealed, `SELECT descriptor_sealed FROM attempts WHERE id = ?`, id))
	assert.NotContains(t, sealed, "sk-ant-secret")

	text, err := store.Descriptor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, spec.Text, text)
}

func TestAttempt_FailureRecorded(t *testing.T) {
	store, _ := setupTestStore(t, Options{})
	ctx := context.Background()

	attempt, err := store.Begin(ctx, "x")
	require.NoError(t, err)

	failure := domain.NewDeploymentError(domain.ReasonProvisionRejected, domain.PhaseProvisioning, 422, []byte(`{}`), deploy.ErrUnexpectedStatus)
	require.NoError(t, attempt.Finish(ctx, &deploy.Outcome{Name: "x", Phase: domain.PhaseFailed, Failure: failure}))

	rec, err := store.Get(ctx, attempt.(*Attempt).ID())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, domain.ReasonProvisionRejected, rec.FailureReason)
	assert.Contains(t, rec.FailureMessage, "status 422")
	assert.Empty(t, rec.InstanceID)
}

// =============================================================================
// Query Tests
// =============================================================================

func TestList_MostRecentFirst(t *testing.T) {
	store, clock := setupTestStore(t, Options{})
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := store.Begin(ctx, name)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	records, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].Name)
	assert.Equal(t, "b", records[1].Name)
}

func TestGet_RejectsUnknownPhase(t *testing.T) {
	store, _ := setupTestStore(t, Options{})
	ctx := context.Background()

	attempt, err := store.Begin(ctx, "x")
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, `UPDATE attempts SET phase = 'Launching' WHERE id = ?`, attempt.(*Attempt).ID())
	require.NoError(t, err)

	_, err = store.Get(ctx, attempt.(*Attempt).ID())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidData))
	assert.Contains(t, err.Error(), "Launching")
}

func TestGet_NotFound(t *testing.T) {
	store, _ := setupTestStore(t, Options{})

	_, err := store.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// =============================================================================
// Orchestrator Integration
// =============================================================================

func TestStore_SatisfiesJournal(t *testing.T) {
	store, _ := setupTestStore(t, Options{})

	var journal deploy.Journal = store
	attempt, err := journal.Begin(context.Background(), "x")
	require.NoError(t, err)
	assert.NotEmpty(t, attempt.(*Attempt).ID())
}
