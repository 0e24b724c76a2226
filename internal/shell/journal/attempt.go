package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/cvmdeploy/internal/core/crypto"
	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/deploy"
)

// eventWriteTimeout bounds each event write; Reporter.Event carries no context.
const eventWriteTimeout = 5 * time.Second

// Attempt journals the events of one run. It satisfies deploy.Attempt.
// Write failures are logged and returned together from Finish.
type Attempt struct {
	store *Store
	id    string
	name  string

	mu   sync.Mutex
	errs []error
}

var _ deploy.Attempt = (*Attempt)(nil)

// ID returns the attempt ID.
func (a *Attempt) ID() string {
	return a.id
}

// Event records e and updates the attempt's phase and linkage columns.
func (a *Attempt) Event(e deploy.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()

	if err := a.record(ctx, e); err != nil {
		a.store.logger.Warn("failed to journal event", "id", a.id, "type", e.Type, "error", err)
		a.mu.Lock()
		a.errs = append(a.errs, err)
		a.mu.Unlock()
	}
}

func (a *Attempt) record(ctx context.Context, e deploy.Event) error {
	s := a.store
	now := formatTime(s.now())

	return s.withTx(ctx, func(tx executor) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempt_events (attempt_id, type, phase, detail, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			a.id, string(e.Type), string(e.Phase), describe(e), now); err != nil {
			return NewJournalError("Event", a.id, fmt.Sprintf("insert event: %v", err), ErrTxFailed)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE attempts SET phase = ?, updated_at = ? WHERE id = ?`,
			string(e.Phase), now, a.id); err != nil {
			return NewJournalError("Event", a.id, fmt.Sprintf("update phase: %v", err), ErrTxFailed)
		}

		switch e.Type {
		case deploy.EventDescriptorGenerated:
			if e.Spec == nil {
				return nil
			}
			var sealed any
			if s.key != nil {
				text, err := crypto.SealToBase64([]byte(e.Spec.Text), s.key, []byte(a.id))
				if err != nil {
					return NewJournalError("Event", a.id, "seal descriptor", err)
				}
				sealed = text
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE attempts SET compose_hash = ?, descriptor_sealed = ? WHERE id = ?`,
				e.Spec.Hash(), sealed, a.id); err != nil {
				return NewJournalError("Event", a.id, fmt.Sprintf("store descriptor: %v", err), ErrTxFailed)
			}
		case deploy.EventCreated, deploy.EventExistingFound:
			if e.Instance == nil {
				return nil
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE attempts SET instance_id = ? WHERE id = ?`, e.Instance.ID, a.id); err != nil {
				return NewJournalError("Event", a.id, fmt.Sprintf("store instance: %v", err), ErrTxFailed)
			}
		}
		return nil
	})
}

// Finish stores the terminal state of the run and releases the lock.
func (a *Attempt) Finish(ctx context.Context, outcome *deploy.Outcome) error {
	s := a.store
	now := formatTime(s.now())

	state := stateFor(outcome.Phase)

	var reason, message any
	if outcome.Failure != nil {
		reason = string(outcome.Failure.Reason)
		message = outcome.Failure.Error()
	}

	var advisories any
	if len(outcome.Advisories) > 0 {
		data, err := json.Marshal(outcome.Advisories)
		if err != nil {
			return NewJournalError("Finish", a.id, "encode advisories", ErrInvalidData)
		}
		advisories = string(data)
	}

	var instanceID any
	if id := outcome.InstanceID(); id != "" {
		instanceID = id
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE attempts
		SET state = ?, phase = ?, instance_id = COALESCE(?, instance_id),
		    failure_reason = ?, failure_message = ?, advisories = ?, polls = ?,
		    updated_at = ?, finished_at = ?
		WHERE id = ?`,
		state, string(outcome.Phase), instanceID,
		reason, message, advisories, outcome.Polls,
		now, now, a.id)
	if err != nil {
		a.mu.Lock()
		a.errs = append(a.errs, NewJournalError("Finish", a.id, err.Error(), ErrTxFailed))
		a.mu.Unlock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return errors.Join(a.errs...)
}

func stateFor(phase domain.Phase) string {
	switch phase {
	case domain.PhaseDone:
		return StateDone
	case domain.PhaseExistingFound:
		return StateExistingFound
	default:
		return StateFailed
	}
}

// describe renders a one-line, secret-free summary of an event.
func describe(e deploy.Event) string {
	switch e.Type {
	case deploy.EventTeepodsListed:
		return fmt.Sprintf("%d online of %d", len(e.Teepods), e.Count)
	case deploy.EventInstancesListed:
		return fmt.Sprintf("%d instances", e.Count)
	case deploy.EventExistingFound, deploy.EventCreated:
		if e.Instance != nil {
			return fmt.Sprintf("id=%s status=%s", e.Instance.ID, e.Instance.Status)
		}
	case deploy.EventDescriptorGenerated:
		if e.Spec != nil {
			return "compose_hash=" + e.Spec.Hash()
		}
	case deploy.EventProvisioned:
		if e.Provision != nil {
			return fmt.Sprintf("compose_hash=%s app_id=%s", e.Provision.ComposeHash, e.Provision.ApplicationID)
		}
	case deploy.EventPollAttempt:
		return fmt.Sprintf("%d/%d status=%s", e.Attempt, e.MaxAttempts, e.Status)
	case deploy.EventAttestation:
		if e.Attestation != nil {
			return fmt.Sprintf("present=%t quote_type=%s", e.Attestation.Present, e.Attestation.QuoteType)
		}
	case deploy.EventAdvisory:
		if e.Advisory != nil {
			return fmt.Sprintf("%s: %s", e.Advisory.Kind, e.Advisory.Message)
		}
	case deploy.EventFailed:
		if e.Failure != nil {
			return e.Failure.Error()
		}
	}
	return ""
}
