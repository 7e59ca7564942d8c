package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/remiblancher/qpki-ra/internal/approval"
	"github.com/remiblancher/qpki-ra/internal/audit"
	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/dn"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
	"github.com/remiblancher/qpki-ra/internal/validator"
)

const generatedUsernameLength = 16

// Add registers a new end entity with status NEW.
//
// The returned record carries the generated password in Password when the
// profile generates passwords. When approvals are required the end entity is
// not created and a *approval.WaitingForApprovalError is returned. An error
// matching ErrNotAudited means the end entity was created.
func (w *Workflow) Add(ctx context.Context, admin Admin, e *endentity.EndEntity) (*endentity.EndEntity, error) {
	if e == nil {
		return nil, fmt.Errorf("end entity is nil")
	}
	c := e.Clone()
	out, err := w.add(ctx, admin, c)
	return out, w.done("add", admin, c, err)
}

func (w *Workflow) add(ctx context.Context, admin Admin, c *endentity.EndEntity) (*endentity.EndEntity, error) {
	p, err := w.profile(ctx, c.ProfileID)
	if err != nil {
		return nil, err
	}
	if c.Username == "" && p.AutoGeneratedUsername() {
		if c.Username, err = generate(catalog.PwgenLettersAndDigits, generatedUsernameLength); err != nil {
			return nil, err
		}
	}
	w.fillDefaults(c, p)

	if err := w.authorize(ctx, admin, CAResource(c.CAID), ProfileResource(c.ProfileID, AccessCreate)); err != nil {
		return nil, err
	}

	defer w.lockCA(c.CAID)()
	defer w.lockUser(c.Username)()

	if _, err := w.store.Get(ctx, c.Username); err == nil {
		return nil, endentity.ErrAlreadyExists
	} else if !errors.Is(err, endentity.ErrNotFound) {
		return nil, infra("load end entity", err)
	}

	if err := w.check(ctx, c, p, true); err != nil {
		return nil, err
	}

	s := subject(approval.ActionAdd, admin, c)
	s.After = c
	if err := w.gate.Check(ctx, s); err != nil {
		return nil, err
	}

	password, generated, err := w.password(c, p)
	if err != nil {
		return nil, err
	}
	if err := w.setPasswordFields(c, password, c.ClearTextPassword); err != nil {
		return nil, err
	}
	c.Status = endentity.StatusNew
	resetCounters(c, p)
	now := w.clock.Now().UTC()
	c.Created, c.Modified = now, now

	if err := w.persist(ctx, "create end entity", c, true); err != nil {
		return nil, err
	}
	w.logger.Info("end entity added", "username", c.Username, "profile", p.Name, "ca_id", c.CAID)

	w.notify(ctx, c, p, password)
	w.print(ctx, c, p)

	if err := w.record(audit.EventEndEntityAdded, admin, c, p, audit.Context{Status: string(c.Status)}); err != nil {
		return nil, err
	}

	out := c.Clone()
	if generated {
		out.Password = password
	}
	return out, nil
}

// Change replaces an existing end entity.
//
// A profile allowing DN merge lets trusted administrators supply a partial
// subject DN or alternative name; missing components are taken from the
// stored record. Notifications are sent only when the status changes.
func (w *Workflow) Change(ctx context.Context, admin Admin, e *endentity.EndEntity) (*endentity.EndEntity, error) {
	if e == nil {
		return nil, fmt.Errorf("end entity is nil")
	}
	c := e.Clone()
	out, err := w.change(ctx, admin, c)
	return out, w.done("change", admin, c, err)
}

func (w *Workflow) change(ctx context.Context, admin Admin, c *endentity.EndEntity) (*endentity.EndEntity, error) {
	p, err := w.profile(ctx, c.ProfileID)
	if err != nil {
		return nil, err
	}
	w.fillDefaults(c, p)

	if err := w.authorize(ctx, admin, CAResource(c.CAID), ProfileResource(c.ProfileID, AccessEdit)); err != nil {
		return nil, err
	}

	defer w.lockCA(c.CAID)()
	defer w.lockUser(c.Username)()

	old, err := w.load(ctx, c.Username)
	if err != nil {
		return nil, err
	}
	if c.Status == "" {
		c.Status = old.Status
	}
	if !endentity.CanTransition(old.Status, c.Status) {
		return nil, fmt.Errorf("%w: %s to %s", endentity.ErrIllegalTransition, old.Status, c.Status)
	}
	if p.AllowMergeDN && admin.Trusted {
		if err := mergeNames(c, old, p); err != nil {
			return nil, err
		}
	}

	if err := w.check(ctx, c, p, c.Password != ""); err != nil {
		return nil, err
	}

	s := subject(approval.ActionChange, admin, c)
	s.Before = old
	s.After = c
	if err := w.gate.Check(ctx, s); err != nil {
		return nil, err
	}

	password := c.Password
	if password != "" {
		if err := w.setPasswordFields(c, password, c.ClearTextPassword); err != nil {
			return nil, err
		}
	} else {
		c.PasswordHash = old.PasswordHash
		c.ClearPassword = ""
		if c.ClearTextPassword {
			c.ClearPassword = old.ClearPassword
		}
	}
	c.Extended.RemainingRequests = old.Extended.RemainingRequests
	c.Extended.RemainingLoginAttempts = old.Extended.RemainingLoginAttempts
	if c.Extended.MaxLoginAttempts <= 0 {
		c.Extended.MaxLoginAttempts = maxLoginAttempts(c, p)
	}
	c.Extended.KeyRecoverySerial = old.Extended.KeyRecoverySerial
	if err := w.statusSideEffects(ctx, c, p, old.Status); err != nil {
		return nil, err
	}
	c.Created = old.Created
	c.Modified = w.clock.Now().UTC()

	if err := w.persist(ctx, "update end entity", c, false); err != nil {
		return nil, err
	}
	w.logger.Info("end entity changed", "username", c.Username, "profile", p.Name, "status", c.Status)

	if old.Status != c.Status {
		w.metrics.Transition(string(old.Status), string(c.Status))
		w.notify(ctx, c, p, password)
		w.print(ctx, c, p)
	}

	if err := w.record(audit.EventEndEntityChanged, admin, c, p, audit.Context{
		Status:     string(c.Status),
		PrevStatus: string(old.Status),
	}); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// fillDefaults applies the profile defaults to unset identifiers.
func (w *Workflow) fillDefaults(e *endentity.EndEntity, p *profile.Profile) {
	if e.CertProfileID == 0 {
		e.CertProfileID = p.DefaultCertProfile()
	}
	if e.TokenType == 0 {
		e.TokenType = p.DefaultTokenType()
	}
	if e.CAID == 0 {
		e.CAID = p.DefaultCA()
		if (e.CAID == 0 || e.CAID == profile.AnyCA) && w.defaultCA != 0 {
			e.CAID = w.defaultCA
		}
	}
}

// check validates e against p and the CA policy.
func (w *Workflow) check(ctx context.Context, e *endentity.EndEntity, p *profile.Profile, withPassword bool) error {
	if w.cas != nil {
		if _, ok := w.cas.CA(e.CAID); !ok {
			return validator.Reject(validator.ReasonNotAllowed, "AVAILCAS", "CA %d does not exist", e.CAID)
		}
	}
	validator.ApplyDerivedValues(e, p)
	if err := w.validator.Validate(e, p, withPassword); err != nil {
		return err
	}
	return w.checkUniqueSerial(ctx, e)
}

// checkUniqueSerial rejects a subject DN serial number used by another end
// entity of a CA enforcing unique serial numbers.
func (w *Workflow) checkUniqueSerial(ctx context.Context, e *endentity.EndEntity) error {
	if w.cas == nil {
		return nil
	}
	ca, ok := w.cas.CA(e.CAID)
	if !ok || !ca.UniqueSerialNumbers {
		return nil
	}
	serial := endentity.SerialNumberOf(e.SubjectDN)
	if serial == "" {
		return nil
	}
	users, err := w.store.FindBySerialNumber(ctx, e.CAID, serial)
	if err != nil {
		return infra("find serial number", err)
	}
	for _, u := range users {
		if u != e.Username {
			return validator.Reject(validator.ReasonDuplicateSerialNumber, "SERIALNUMBER",
				"serial number %q is already used on CA %d", serial, e.CAID)
		}
	}
	return nil
}

// mergeNames completes the subject DN and alternative name of c with the
// components of old that c does not carry.
func mergeNames(c, old *endentity.EndEntity, p *profile.Profile) error {
	opts := dn.ParseOptions{AllowMultiValueRDN: p.AllowMultiValueRDN}
	cur, err := dn.ParseSubjectDN(c.SubjectDN, opts)
	if err != nil {
		return validator.Reject(validator.ReasonIllegalStructure, "", "subject DN: %v", err)
	}
	prev, err := dn.ParseSubjectDN(old.SubjectDN, opts)
	if err == nil {
		c.SubjectDN = dn.Merge(cur, prev).String()
	}

	curAlt, err := dn.ParseAltName(c.SubjectAltName)
	if err != nil {
		return validator.Reject(validator.ReasonIllegalStructure, "", "subject alternative name: %v", err)
	}
	prevAlt, err := dn.ParseAltName(old.SubjectAltName)
	if err == nil {
		c.SubjectAltName = dn.Merge(curAlt, prevAlt).String()
	}
	return nil
}

// password returns the password to set on a new end entity, generating one
// when the profile requires it.
func (w *Workflow) password(e *endentity.EndEntity, p *profile.Profile) (string, bool, error) {
	if !p.AutoGeneratedPassword {
		return e.Password, false, nil
	}
	pw, err := generate(p.PasswordGenerator, p.PasswordLength)
	if err != nil {
		return "", false, err
	}
	return pw, true, nil
}

func generate(generator string, length int) (string, error) {
	g, ok := catalog.PasswordGeneratorByName(generator)
	if !ok {
		return "", fmt.Errorf("unknown password generator %q", generator)
	}
	return g.Generate(length)
}

// setPasswordFields stores the hash of password, and the password itself
// when clear is set.
func (w *Workflow) setPasswordFields(e *endentity.EndEntity, password string, clear bool) error {
	e.Password = ""
	e.ClearTextPassword = clear
	e.ClearPassword = ""
	if password == "" {
		e.PasswordHash = ""
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), w.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	e.PasswordHash = string(hash)
	if clear {
		e.ClearPassword = password
	}
	return nil
}

func allowedRequests(e *endentity.EndEntity, p *profile.Profile) int {
	if e.Extended.AllowedRequests > 0 {
		return e.Extended.AllowedRequests
	}
	return p.DefaultAllowedRequests()
}

func maxLoginAttempts(e *endentity.EndEntity, p *profile.Profile) int {
	if e.Extended.MaxLoginAttempts > 0 {
		return e.Extended.MaxLoginAttempts
	}
	return p.MaxFailedLogins()
}

// resetCounters restores the request and login counters to their configured
// values.
func resetCounters(e *endentity.EndEntity, p *profile.Profile) {
	e.Extended.RemainingRequests = allowedRequests(e, p)
	e.Extended.MaxLoginAttempts = maxLoginAttempts(e, p)
	e.Extended.RemainingLoginAttempts = e.Extended.MaxLoginAttempts
}
