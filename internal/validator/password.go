package validator

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// PasswordStrength estimates the entropy in bits of a password of length
// characters drawn uniformly from a charset of charsetSize characters.
func PasswordStrength(charsetSize, length int) int {
	if charsetSize < 2 || length <= 0 {
		return 0
	}
	return int(math.Floor(math.Log2(float64(charsetSize)) * float64(length)))
}

// GeneratedPasswordStrength returns the strength of the passwords the profile
// generates, or 0 when its generator is unknown.
func GeneratedPasswordStrength(p *profile.Profile) int {
	g, ok := catalog.PasswordGeneratorByName(p.PasswordGenerator)
	if !ok {
		return 0
	}
	return PasswordStrength(len(g.Charset), p.PasswordLength)
}

func (v *Validator) validatePassword(password string, p *profile.Profile) error {
	inst, ok := first(p, catalog.Password)
	if p.AutoGeneratedPassword {
		if password != "" {
			return Reject(ReasonNotAllowed, "PASSWORD", "password is generated by the profile")
		}
		if _, known := catalog.PasswordGeneratorByName(p.PasswordGenerator); !known {
			v.logger.Warn("unknown password generator", "profile", p.Name, "generator", p.PasswordGenerator)
		}
		if strength := GeneratedPasswordStrength(p); strength < p.MinPasswordStrength {
			return Reject(ReasonWeakPassword, "PASSWORD",
				"generated passwords have %d bits, profile requires %d", strength, p.MinPasswordStrength)
		}
		return nil
	}
	if !ok {
		return nil
	}
	if !inst.Modifiable {
		if password != inst.Value {
			return Reject(ReasonNotAllowed, "PASSWORD", "password is fixed by the profile")
		}
		return nil
	}
	if strings.TrimSpace(password) == "" {
		if inst.Required {
			return Reject(ReasonMissingRequiredField, "PASSWORD", "password is required")
		}
		return nil
	}
	if p.MinPasswordStrength > 0 {
		strength := PasswordStrength(catalog.ManualPasswordCharsetSize, utf8.RuneCountInString(password))
		if strength < p.MinPasswordStrength {
			return Reject(ReasonWeakPassword, "PASSWORD",
				"password has %d bits, profile requires %d", strength, p.MinPasswordStrength)
		}
	}
	return nil
}

func (v *Validator) validateClearTextPassword(e *endentity.EndEntity, p *profile.Profile) error {
	return checkFlag(p, catalog.ClearTextPassword, e.ClearTextPassword)
}
