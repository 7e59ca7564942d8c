// Package validator decides whether an end entity is permitted by an end
// entity profile.
//
// Standard profiles are checked in order:
//  1. parse the subject DN, alternative name and directory attributes
//  2. required presence of every required field instance
//  3. cardinality against the configured instance count
//  4. custom field validators, value k against instance k
//  5. cross-matching of parsed values to instances by priority
//  6. scalar attributes (username, e-mail, CA, validity window, counters...)
//  7. password policy, unless validating without password
//
// SSH profiles replace steps 1 to 5 with principal and critical option
// checks. Every rejection is a *ValidationError.
package validator

import (
	"log/slog"

	"github.com/jmhodges/clock"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// CertProfile is the read-only view of a certificate profile consulted during
// validation.
type CertProfile struct {
	ID   int
	Name string

	// UsedExtensionKeys lists the custom extensions the certificate profile
	// uses. Extension data for any other key must be blank.
	UsedExtensionKeys []string

	// EABNamespaces lists the accepted external account binding namespaces.
	// Empty disables the check.
	EABNamespaces []string
}

// CertProfiles looks up certificate profiles by id.
type CertProfiles interface {
	CertProfile(id int) (*CertProfile, bool)
}

// CertProfileMap is a static CertProfiles.
type CertProfileMap map[int]*CertProfile

// CertProfile implements CertProfiles.
func (m CertProfileMap) CertProfile(id int) (*CertProfile, bool) {
	cp, ok := m[id]
	return cp, ok
}

// Validator checks end entities against end entity profiles.
type Validator struct {
	certProfiles    CertProfiles
	fieldValidators *FieldValidators
	clock           clock.Clock
	logger          *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithFieldValidators sets the custom field validator registry.
func WithFieldValidators(r *FieldValidators) Option {
	return func(v *Validator) { v.fieldValidators = r }
}

// WithClock sets the clock used to resolve relative validity times.
func WithClock(c clock.Clock) Option {
	return func(v *Validator) { v.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a validator. certProfiles may be nil, in which case extension
// and account binding checks are skipped.
func New(certProfiles CertProfiles, opts ...Option) *Validator {
	v := &Validator{
		certProfiles: certProfiles,
		clock:        clock.New(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.fieldValidators == nil {
		v.fieldValidators = NewFieldValidators()
	}
	return v
}

// FieldValidators returns the custom field validator registry.
func (v *Validator) FieldValidators() *FieldValidators {
	return v.fieldValidators
}

// Validate checks an end entity against a profile. When withPassword is false
// the password policy is not checked. SSH profiles may inject fixed critical
// options into e.Extended.SSHCriticalOptions.
func (v *Validator) Validate(e *endentity.EndEntity, p *profile.Profile, withPassword bool) error {
	var err error
	if p.Type() == profile.TypeSSH {
		err = v.validateSSH(e, p)
	} else {
		err = v.validateNames(e, p)
	}
	if err != nil {
		return v.rejected(p, err)
	}
	if err := v.validateScalars(e, p); err != nil {
		return v.rejected(p, err)
	}
	if err := v.validateClearTextPassword(e, p); err != nil {
		return v.rejected(p, err)
	}
	if withPassword {
		if err := v.validatePassword(e.Password, p); err != nil {
			return v.rejected(p, err)
		}
	}
	return nil
}

// ValidatePassword checks only the password policy of a profile.
func (v *Validator) ValidatePassword(password string, p *profile.Profile) error {
	if err := v.validatePassword(password, p); err != nil {
		return v.rejected(p, err)
	}
	return nil
}

func (v *Validator) rejected(p *profile.Profile, err error) error {
	if reason, ok := ReasonOf(err); ok {
		v.logger.Debug("end entity rejected by profile", "profile", p.Name, "reason", reason, "error", err)
	}
	return err
}

// ValidateClearTextPassword checks that the profile permits the clear text
// password flag value.
func (v *Validator) ValidateClearTextPassword(clear bool, p *profile.Profile) error {
	if err := checkFlag(p, catalog.ClearTextPassword, clear); err != nil {
		return v.rejected(p, err)
	}
	return nil
}
