package lifecycle

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/remiblancher/qpki-ra/internal/audit"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// SetPassword replaces the enrollment password of an end entity. Only the
// hash is stored.
func (w *Workflow) SetPassword(ctx context.Context, admin Admin, username, password string) error {
	return w.done("setpassword", admin, &endentity.EndEntity{Username: username},
		w.changePassword(ctx, admin, username, password, false))
}

// SetClearTextPassword replaces the enrollment password of an end entity and
// keeps it in clear text, when the profile permits it.
func (w *Workflow) SetClearTextPassword(ctx context.Context, admin Admin, username, password string) error {
	return w.done("setpassword", admin, &endentity.EndEntity{Username: username},
		w.changePassword(ctx, admin, username, password, true))
}

func (w *Workflow) changePassword(ctx context.Context, admin Admin, username, password string, clear bool) error {
	return w.withEntity(ctx, username, AccessEdit, admin, func(e *endentity.EndEntity, p *profile.Profile) error {
		if err := w.validator.ValidatePassword(password, p); err != nil {
			return err
		}
		if err := w.validator.ValidateClearTextPassword(clear, p); err != nil {
			return err
		}
		if err := w.setPasswordFields(e, password, clear); err != nil {
			return err
		}
		e.Modified = w.clock.Now().UTC()
		if err := w.persist(ctx, "update end entity", e, false); err != nil {
			return err
		}
		w.logger.Info("end entity password changed", "username", username, "clear_text", clear)
		return w.record(audit.EventPasswordChanged, admin, e, p, audit.Context{})
	})
}

// Authenticate checks the enrollment password of an end entity.
//
// Only end entities that may enroll authenticate. A wrong password consumes a
// login attempt; a correct one restores the attempts to their maximum.
func (w *Workflow) Authenticate(ctx context.Context, username, password string) error {
	err := w.authenticate(ctx, username, password)
	return w.done("authenticate", Admin{}, &endentity.EndEntity{Username: username}, err)
}

func (w *Workflow) authenticate(ctx context.Context, username, password string) error {
	defer w.lockUser(username)()

	e, err := w.load(ctx, username)
	if errors.Is(err, endentity.ErrNotFound) {
		return ErrAuthentication
	}
	if err != nil {
		return err
	}
	p, err := w.profile(ctx, e.ProfileID)
	if err != nil {
		return err
	}

	if !endentity.CanAuthenticate(e.Status) {
		w.authFailed(e, "status "+string(e.Status))
		return ErrAuthentication
	}
	if e.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(e.PasswordHash), []byte(password)) != nil {
		w.authFailed(e, "wrong password")
		if _, err := w.decLoginAttempts(ctx, Admin{}, e, p); err != nil {
			return err
		}
		return ErrAuthentication
	}

	if limit := e.Extended.MaxLoginAttempts; limit > 0 && e.Extended.RemainingLoginAttempts != limit {
		e.Extended.RemainingLoginAttempts = limit
		e.Modified = w.clock.Now().UTC()
		if err := w.persist(ctx, "update end entity", e, false); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) authFailed(e *endentity.EndEntity, reason string) {
	w.logger.Info("end entity authentication failed", "username", e.Username, "reason", reason)
	event := audit.NewEvent(audit.EventAuthFailed, audit.ResultFailure, w.clock.Now()).
		WithObject(audit.Object{Username: e.Username, CAID: e.CAID, ProfileID: e.ProfileID}).
		WithContext(audit.Context{Status: string(e.Status), Reason: reason})
	if err := w.audit.Write(event); err != nil {
		w.logger.Error("failed to audit authentication failure", "username", e.Username, "error", err)
	}
}
