package validator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// cabfOrganizationIdentifier is the CA/Browser Forum EV organization
// identifier syntax: registration scheme, country, optional state, reference.
var cabfOrganizationIdentifier = regexp.MustCompile(`^[A-Z]{3}[A-Z]{2}(\+[A-Z]{2})?-.+$`)

// maxRevocationReason is the largest RFC 5280 CRL reason code.
const maxRevocationReason = 10

// validateScalars checks the attributes outside the subject names.
func (v *Validator) validateScalars(e *endentity.EndEntity, p *profile.Profile) error {
	checks := []func(*endentity.EndEntity, *profile.Profile) error{
		v.checkUsername,
		checkEmail,
		checkFlags,
		checkMemberships,
		v.checkValidity,
		checkCounters,
		checkIssuanceRevocationReason,
		checkCompliance,
		v.checkExtensions,
	}
	for _, check := range checks {
		if err := check(e, p); err != nil {
			return err
		}
	}
	return nil
}

func first(p *profile.Profile, id catalog.FieldID) (profile.FieldInstance, bool) {
	return p.Instance(id, 0)
}

func (v *Validator) checkUsername(e *endentity.EndEntity, p *profile.Profile) error {
	if p.AutoGeneratedUsername() {
		return nil
	}
	inst, ok := first(p, catalog.Username)
	if !ok {
		return nil
	}
	if strings.TrimSpace(e.Username) == "" {
		if inst.Required {
			return Reject(ReasonMissingRequiredField, "USERNAME", "username is required")
		}
		return nil
	}
	return v.fieldValidators.Run("USERNAME", inst.Validator, e.Username)
}

func checkEmail(e *endentity.EndEntity, p *profile.Profile) error {
	inst, ok := first(p, catalog.Email)
	email := strings.TrimSpace(e.Email)
	if email == "" {
		if ok && inst.Use && inst.Required {
			return Reject(ReasonMissingRequiredField, "EMAIL", "e-mail is required")
		}
		return nil
	}
	if !ok || !inst.Use {
		return Reject(ReasonNotAllowed, "EMAIL", "e-mail is not used by the profile")
	}
	if !validEmail(email) {
		return Reject(ReasonInvalidFieldFormat, "EMAIL", "invalid e-mail address %q", email)
	}
	if !inst.Modifiable {
		for _, allowed := range inst.AllowedValues() {
			if strings.EqualFold(domainOf(email), domainOf(allowed)) {
				return nil
			}
		}
		return Reject(ReasonNoMatchingField, "EMAIL", "e-mail domain %q is not allowed", domainOf(email))
	}
	return nil
}

// checkFlag verifies a boolean attribute against its profile field: unused
// fields forbid true, required or non-modifiable fields fix the value.
func checkFlag(p *profile.Profile, id catalog.FieldID, value bool) error {
	f, _ := catalog.ByID(id)
	inst, ok := first(p, id)
	if !ok || !inst.Use {
		if value {
			return Reject(ReasonNotAllowed, f.Name, "not used by the profile")
		}
		return nil
	}
	if inst.Required || !inst.Modifiable {
		fixed := strings.EqualFold(strings.TrimSpace(inst.Value), "true")
		if value != fixed {
			return Reject(ReasonNotAllowed, f.Name, "profile requires %t", fixed)
		}
	}
	return nil
}

func checkFlags(e *endentity.EndEntity, p *profile.Profile) error {
	if err := checkFlag(p, catalog.KeyRecoverable, e.KeyRecoverable); err != nil {
		return err
	}
	return checkFlag(p, catalog.SendNotification, e.SendNotification)
}

func contains(list []int, id int) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func checkMemberships(e *endentity.EndEntity, p *profile.Profile) error {
	if !contains(p.AvailableCertProfiles(), e.CertProfileID) {
		return Reject(ReasonNotAllowed, "AVAILCERTPROFILES", "certificate profile %d is not available", e.CertProfileID)
	}
	if !contains(p.AvailableTokenTypes(), e.TokenType) {
		return Reject(ReasonNotAllowed, "AVAILKEYSTORE", "token type %d is not available", e.TokenType)
	}
	cas := p.AvailableCAs()
	if !contains(cas, profile.AnyCA) && !contains(cas, e.CAID) {
		return Reject(ReasonNotAllowed, "AVAILCAS", "CA %d is not available", e.CAID)
	}
	return nil
}

// checkUsedInt verifies a numeric override: unused fields forbid it,
// non-modifiable fields fix it.
func checkUsedInt(p *profile.Profile, id catalog.FieldID, value int) error {
	if value <= 0 {
		return nil
	}
	f, _ := catalog.ByID(id)
	inst, ok := first(p, id)
	if !ok || !inst.Use {
		return Reject(ReasonNotAllowed, f.Name, "not used by the profile")
	}
	if !inst.Modifiable && strings.TrimSpace(inst.Value) != strconv.Itoa(value) {
		return Reject(ReasonNotAllowed, f.Name, "profile fixes the value to %s", inst.Value)
	}
	return nil
}

func checkCounters(e *endentity.EndEntity, p *profile.Profile) error {
	if err := checkUsedInt(p, catalog.AllowedRequests, e.Extended.AllowedRequests); err != nil {
		return err
	}
	return checkUsedInt(p, catalog.MaxFailedLogins, e.Extended.MaxLoginAttempts)
}

func checkIssuanceRevocationReason(e *endentity.EndEntity, p *profile.Profile) error {
	reason := strings.TrimSpace(e.Extended.IssuanceRevocationReason)
	if reason == "" {
		return nil
	}
	n, err := strconv.Atoi(reason)
	if err != nil || n < profile.NotRevoked || n > maxRevocationReason || n == 7 {
		return Reject(ReasonInvalidFieldFormat, "ISSUANCEREVOCATIONREASON", "invalid revocation reason %q", reason)
	}
	inst, ok := first(p, catalog.IssuanceRevocationReason)
	if !ok || !inst.Use {
		if n != profile.NotRevoked {
			return Reject(ReasonNotAllowed, "ISSUANCEREVOCATIONREASON", "not used by the profile")
		}
		return nil
	}
	if !inst.Modifiable && strings.TrimSpace(inst.Value) != reason {
		return Reject(ReasonNotAllowed, "ISSUANCEREVOCATIONREASON", "profile fixes the value to %s", inst.Value)
	}
	return nil
}

// checkText verifies a free text attribute: unused fields forbid it, required
// fields need it and non-modifiable fields fix it.
func checkText(p *profile.Profile, id catalog.FieldID, value string) error {
	f, _ := catalog.ByID(id)
	inst, ok := first(p, id)
	value = strings.TrimSpace(value)
	if !ok || !inst.Use {
		if value != "" {
			return Reject(ReasonNotAllowed, f.Name, "not used by the profile")
		}
		return nil
	}
	if value == "" {
		if inst.Required {
			return Reject(ReasonMissingRequiredField, f.Name, "required")
		}
		return nil
	}
	if !inst.Modifiable && value != strings.TrimSpace(inst.Value) {
		return Reject(ReasonNotAllowed, f.Name, "profile fixes the value to %q", inst.Value)
	}
	return nil
}

func checkCompliance(e *endentity.EndEntity, p *profile.Profile) error {
	if err := checkText(p, catalog.CardNumber, e.CardNumber); err != nil {
		return err
	}

	org := strings.TrimSpace(e.Extended.CABFOrganizationIdentifier)
	if err := checkText(p, catalog.CABFOrganizationIdentifier, org); err != nil {
		return err
	}
	if org != "" && !cabfOrganizationIdentifier.MatchString(org) {
		return Reject(ReasonInvalidFieldFormat, "CABFORGANIZATIONIDENTIFIER", "invalid organization identifier %q", org)
	}

	inst, ok := first(p, catalog.PSD2QCStatement)
	if !ok || !inst.Use {
		if e.Extended.HasPSD2() {
			return Reject(ReasonNotAllowed, "PSD2QCSTATEMENT", "not used by the profile")
		}
		return nil
	}
	if inst.Required && !e.Extended.HasPSD2() {
		return Reject(ReasonMissingRequiredField, "PSD2QCSTATEMENT", "PSD2 attributes are required")
	}
	if e.Extended.HasPSD2() && (e.Extended.PSD2NCAName == "" || e.Extended.PSD2NCAID == "" || len(e.Extended.PSD2Roles) == 0) {
		return Reject(ReasonMissingRequiredField, "PSD2QCSTATEMENT", "NCA name, NCA id and roles are required together")
	}
	return nil
}

func (v *Validator) checkExtensions(e *endentity.EndEntity, p *profile.Profile) error {
	var cp *CertProfile
	if v.certProfiles != nil {
		cp, _ = v.certProfiles.CertProfile(e.CertProfileID)
	}

	if len(e.Extended.ExtensionData) > 0 {
		used := map[string]bool{}
		if cp != nil {
			for _, k := range cp.UsedExtensionKeys {
				used[k] = true
			}
		}
		for k, val := range e.Extended.ExtensionData {
			if strings.TrimSpace(val) == "" {
				continue
			}
			if !p.UseExtensionData {
				return Reject(ReasonNotAllowed, k, "extension data is not used by the profile")
			}
			if cp != nil && !used[k] {
				return Reject(ReasonUnusedExtensionPresent, k, "extension is not used by certificate profile %d", e.CertProfileID)
			}
		}
	}

	if cp == nil || len(cp.EABNamespaces) == 0 {
		return nil
	}
	ns, id, ok := strings.Cut(e.Extended.AccountBindingID, ":")
	if !ok || ns == "" || id == "" {
		return Reject(ReasonInvalidAccountBinding, "ACCOUNTBINDINGID", "account binding id %q must be namespace:id", e.Extended.AccountBindingID)
	}
	for _, allowed := range cp.EABNamespaces {
		if allowed == ns {
			return nil
		}
	}
	return Reject(ReasonInvalidAccountBinding, "ACCOUNTBINDINGID", "namespace %q is not accepted by certificate profile %d", ns, e.CertProfileID)
}
