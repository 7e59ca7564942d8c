package lifecycle

import (
	"context"
	"fmt"
	"strconv"

	"github.com/remiblancher/qpki-ra/internal/approval"
	"github.com/remiblancher/qpki-ra/internal/audit"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// revocationSnapshot is the approval snapshot of a revocation.
type revocationSnapshot struct {
	Username string `cbor:"username"`
	Reason   int    `cbor:"reason"`
}

// keyRecoverySnapshot is the approval snapshot of a key recovery preparation.
type keyRecoverySnapshot struct {
	Username string `cbor:"username"`
	Serial   string `cbor:"serial,omitempty"`
}

// SetStatus moves an end entity to a new status.
//
// Leaving KEYRECOVERY for any status but INPROCESS clears the key recovery
// mark. Entering NEW from another status resets both counters.
func (w *Workflow) SetStatus(ctx context.Context, admin Admin, username string, status endentity.Status) error {
	return w.done("setstatus", admin, &endentity.EndEntity{Username: username}, w.withEntity(ctx, username, AccessEdit, admin,
		func(e *endentity.EndEntity, p *profile.Profile) error {
			return w.setStatus(ctx, admin, e, p, status)
		}))
}

// withEntity loads username under its lock, authorizes access and runs fn.
func (w *Workflow) withEntity(ctx context.Context, username, access string, admin Admin,
	fn func(e *endentity.EndEntity, p *profile.Profile) error) error {
	defer w.lockUser(username)()

	e, err := w.load(ctx, username)
	if err != nil {
		return err
	}
	if err := w.authorize(ctx, admin, CAResource(e.CAID), ProfileResource(e.ProfileID, access)); err != nil {
		return err
	}
	p, err := w.profile(ctx, e.ProfileID)
	if err != nil {
		return err
	}
	return fn(e, p)
}

// setStatus changes the status of a loaded end entity. The caller holds the
// username lock.
func (w *Workflow) setStatus(ctx context.Context, admin Admin, e *endentity.EndEntity, p *profile.Profile, to endentity.Status) error {
	if !endentity.CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s to %s", endentity.ErrIllegalTransition, e.Status, to)
	}
	return w.changeStatus(ctx, admin, e, p, to)
}

// changeStatus moves e to a status without checking the status graph.
func (w *Workflow) changeStatus(ctx context.Context, admin Admin, e *endentity.EndEntity, p *profile.Profile, to endentity.Status) error {
	from := e.Status
	after := e.Clone()
	after.Status = to
	s := subject(approval.ActionSetStatus, admin, e)
	s.Before = e
	s.After = after
	if err := w.gate.Check(ctx, s); err != nil {
		return err
	}

	e.Status = to
	if err := w.statusSideEffects(ctx, e, p, from); err != nil {
		return err
	}
	e.Modified = w.clock.Now().UTC()
	if err := w.persist(ctx, "update end entity", e, false); err != nil {
		return err
	}
	w.logger.Info("end entity status changed", "username", e.Username, "from", from, "to", to)

	if from != to {
		w.metrics.Transition(string(from), string(to))
		w.notify(ctx, e, p, "")
		w.print(ctx, e, p)
	}
	return w.record(audit.EventEndEntityStatusChanged, admin, e, p, audit.Context{
		Status:     string(to),
		PrevStatus: string(from),
	})
}

// statusSideEffects applies the effects of entering e.Status from a previous
// status, before e is persisted.
func (w *Workflow) statusSideEffects(ctx context.Context, e *endentity.EndEntity, p *profile.Profile, from endentity.Status) error {
	to := e.Status
	if from == endentity.StatusKeyRecovery && to != endentity.StatusKeyRecovery && to != endentity.StatusInProcess {
		if w.keyRecovery != nil {
			if err := w.keyRecovery.Unmark(ctx, e.Username); err != nil {
				return infra("unmark key recovery", err)
			}
		}
		e.Extended.KeyRecoverySerial = ""
	}
	if to == endentity.StatusNew && from != endentity.StatusNew {
		resetCounters(e, p)
	}
	return nil
}

// Revoke revokes every certificate of an end entity and sets its status to
// REVOKED. With reason ReasonRemoveFromCRL certificates on hold are
// reinstated and the end entity returns to GENERATED.
func (w *Workflow) Revoke(ctx context.Context, admin Admin, username string, reason int) error {
	return w.done("revoke", admin, &endentity.EndEntity{Username: username}, w.withEntity(ctx, username, AccessRevoke, admin,
		func(e *endentity.EndEntity, p *profile.Profile) error {
			return w.revoke(ctx, admin, e, p, reason)
		}))
}

func (w *Workflow) revoke(ctx context.Context, admin Admin, e *endentity.EndEntity, p *profile.Profile, reason int) error {
	unhold := reason == ReasonRemoveFromCRL
	switch {
	case unhold && e.Status != endentity.StatusRevoked:
		return ErrNotRevoked
	case !unhold && e.Status == endentity.StatusRevoked:
		return endentity.ErrAlreadyRevoked
	}

	s := subject(approval.ActionRevoke, admin, e)
	s.Before = e
	s.After = revocationSnapshot{Username: e.Username, Reason: reason}
	if err := w.gate.Check(ctx, s); err != nil {
		return err
	}

	revoked := 0
	if w.revocation != nil {
		certs, err := w.revocation.Certificates(ctx, e.Username)
		if err != nil {
			return infra("list certificates", err)
		}
		for _, cert := range certs {
			onHold := cert.Revoked && cert.RevocationReason == ReasonCertificateHold
			if unhold && !onHold || !unhold && cert.Revoked && !onHold {
				continue
			}
			if err := w.revocation.Revoke(ctx, cert.Serial, cert.Issuer, reason); err != nil {
				return infra("revoke certificate "+cert.Serial, err)
			}
			revoked++
		}
	}

	ctx = approval.WithBypass(ctx, approval.BypassRevoke)
	target := endentity.StatusRevoked
	change := w.setStatus
	if unhold {
		target = endentity.StatusGenerated
		change = w.changeStatus
	}
	if err := change(ctx, admin, e, p, target); err != nil {
		return err
	}
	return w.record(audit.EventEndEntityRevoked, admin, e, p, audit.Context{
		Status:  string(target),
		Reason:  strconv.Itoa(reason),
		Serials: revoked,
	})
}

// Delete removes an end entity. Its certificates are left untouched.
func (w *Workflow) Delete(ctx context.Context, admin Admin, username string) error {
	err := func() error {
		defer w.lockUser(username)()

		e, err := w.load(ctx, username)
		if err != nil {
			return err
		}
		if err := w.authorize(ctx, admin, CAResource(e.CAID), ProfileResource(e.ProfileID, AccessDelete)); err != nil {
			return err
		}
		// p is nil when the profile was removed.
		p, _ := w.profile(ctx, e.ProfileID)

		s := subject(approval.ActionDelete, admin, e)
		s.Before = e
		if err := w.gate.Check(ctx, s); err != nil {
			return err
		}
		if err := w.store.Delete(ctx, username); err != nil {
			return infra("delete end entity", err)
		}
		w.logger.Info("end entity deleted", "username", username)
		return w.record(audit.EventEndEntityDeleted, admin, e, p, audit.Context{PrevStatus: string(e.Status)})
	}()
	return w.done("delete", admin, &endentity.EndEntity{Username: username}, err)
}

// DecRequestCounter consumes one issuance request and returns the remaining
// count. The staged serial number is cleared. When no request remains, or
// requests are not tracked, the end entity moves to GENERATED. Revoked end
// entities are refused.
func (w *Workflow) DecRequestCounter(ctx context.Context, admin Admin, username string) (int, error) {
	remaining := 0
	err := w.withEntity(ctx, username, AccessEdit, admin, func(e *endentity.EndEntity, p *profile.Profile) error {
		if e.Status == endentity.StatusRevoked {
			return endentity.ErrAlreadyRevoked
		}
		remaining = e.Extended.RemainingRequests
		if remaining > 0 {
			remaining--
			e.Extended.RemainingRequests = remaining
		}
		e.Extended.StagedSerial = ""
		if remaining > 0 {
			e.Modified = w.clock.Now().UTC()
			return w.persist(ctx, "update end entity", e, false)
		}
		return w.setStatus(approval.WithBypass(ctx, approval.BypassCounter), admin, e, p, endentity.StatusGenerated)
	})
	return remaining, w.done("decrequestcounter", admin, &endentity.EndEntity{Username: username}, err)
}

// DecRemainingLoginAttempts consumes one login attempt and returns the
// remaining count. Unlimited attempts are left unchanged. When none remain
// the end entity moves to GENERATED and the counter is reset to its maximum.
func (w *Workflow) DecRemainingLoginAttempts(ctx context.Context, admin Admin, username string) (int, error) {
	remaining := endentity.Unlimited
	err := w.withEntity(ctx, username, AccessEdit, admin, func(e *endentity.EndEntity, p *profile.Profile) error {
		var err error
		remaining, err = w.decLoginAttempts(ctx, admin, e, p)
		return err
	})
	return remaining, w.done("decloginattempts", admin, &endentity.EndEntity{Username: username}, err)
}

func (w *Workflow) decLoginAttempts(ctx context.Context, admin Admin, e *endentity.EndEntity, p *profile.Profile) (int, error) {
	if e.Status == endentity.StatusRevoked {
		return 0, endentity.ErrAlreadyRevoked
	}
	remaining := e.Extended.RemainingLoginAttempts
	if remaining < 0 {
		return endentity.Unlimited, nil
	}
	if remaining > 0 {
		remaining--
	}
	if remaining > 0 {
		e.Extended.RemainingLoginAttempts = remaining
		e.Modified = w.clock.Now().UTC()
		return remaining, w.persist(ctx, "update end entity", e, false)
	}
	e.Extended.RemainingLoginAttempts = e.Extended.MaxLoginAttempts
	w.logger.Warn("login attempts exhausted", "username", e.Username)
	return 0, w.setStatus(approval.WithBypass(ctx, approval.BypassCounter), admin, e, p, endentity.StatusGenerated)
}

// PrepareForKeyRecovery marks a certificate of an end entity for key
// recovery and sets its status to KEYRECOVERY. An empty serial selects the
// newest certificate.
func (w *Workflow) PrepareForKeyRecovery(ctx context.Context, admin Admin, username, serial string) error {
	return w.done("keyrecovery", admin, &endentity.EndEntity{Username: username}, w.withEntity(ctx, username, AccessKeyRecovery, admin,
		func(e *endentity.EndEntity, p *profile.Profile) error {
			if w.keyRecovery == nil {
				return fmt.Errorf("key recovery is not configured")
			}

			s := subject(approval.ActionKeyRecovery, admin, e)
			s.Before = e
			s.After = keyRecoverySnapshot{Username: e.Username, Serial: serial}
			if err := w.gate.Check(ctx, s); err != nil {
				return err
			}

			marked, err := w.keyRecovery.Mark(ctx, e.Username, serial)
			if err != nil {
				return infra("mark key recovery", err)
			}
			e.Extended.KeyRecoverySerial = marked
			if err := w.setStatus(approval.WithBypass(ctx, approval.BypassKeyRecovery), admin, e, p, endentity.StatusKeyRecovery); err != nil {
				return err
			}
			return w.record(audit.EventKeyRecoveryPrepared, admin, e, p, audit.Context{
				Status: string(endentity.StatusKeyRecovery),
				Reason: marked,
			})
		}))
}
