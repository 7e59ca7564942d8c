package validator

import (
	"net/netip"
	"strings"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// principalPrefix starts the principal list in the alternative name of an SSH
// end entity: "PRINCIPAL=alice:admin".
const principalPrefix = "PRINCIPAL="

// ParsePrincipals decodes the principal list carried in the alternative name
// of an SSH end entity. Several comma separated lists may be given.
func ParsePrincipals(altName string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(altName, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if len(part) < len(principalPrefix) || !strings.EqualFold(part[:len(principalPrefix)], principalPrefix) {
			return nil, Reject(ReasonIllegalStructure, "SSH_PRINCIPAL", "expected %s..., got %q", principalPrefix, part)
		}
		for _, pr := range strings.Split(part[len(principalPrefix):], ":") {
			if pr = strings.TrimSpace(pr); pr != "" {
				out = append(out, pr)
			}
		}
	}
	return out, nil
}

// EncodePrincipals is the inverse of ParsePrincipals.
func EncodePrincipals(principals []string) string {
	if len(principals) == 0 {
		return ""
	}
	return principalPrefix + strings.Join(principals, ":")
}

var criticalOptions = []catalog.FieldID{
	catalog.SSHForceCommand,
	catalog.SSHSourceAddress,
	catalog.SSHVerifyRequired,
}

// validateSSH checks principals and critical options. Fixed critical options
// missing from the end entity are injected into e.Extended.SSHCriticalOptions.
func (v *Validator) validateSSH(e *endentity.EndEntity, p *profile.Profile) error {
	principals, err := ParsePrincipals(e.SubjectAltName)
	if err != nil {
		return err
	}

	instances := p.Instances(catalog.SSHPrincipal)
	required := 0
	for _, inst := range instances {
		if inst.Required {
			required++
		}
	}
	if len(principals) < required {
		return Reject(ReasonMissingRequiredField, "SSH_PRINCIPAL",
			"%d principals required, %d supplied", required, len(principals))
	}
	if len(principals) > len(instances) {
		return Reject(ReasonNoMatchingField, "SSH_PRINCIPAL",
			"%d principals supplied but the profile allows %d", len(principals), len(instances))
	}
	for _, inst := range instances {
		if !inst.Required || inst.Modifiable || inst.Value == "" {
			continue
		}
		if !containsString(principals, inst.Value) {
			return Reject(ReasonMissingRequiredField, "SSH_PRINCIPAL", "principal %q is required", inst.Value)
		}
	}
	for k, pr := range principals {
		if err := v.fieldValidators.Run("SSH_PRINCIPAL", instances[k].Validator, pr); err != nil {
			return err
		}
	}

	for _, id := range criticalOptions {
		if err := checkCriticalOption(e, p, id); err != nil {
			return err
		}
	}
	return nil
}

func checkCriticalOption(e *endentity.EndEntity, p *profile.Profile, id catalog.FieldID) error {
	f, _ := catalog.ByID(id)
	key := f.Key()
	val := strings.TrimSpace(e.Extended.SSHCriticalOptions[key])
	inst, ok := first(p, id)

	if !ok || !inst.Use {
		if val != "" {
			return Reject(ReasonNotAllowed, f.Name, "critical option %s is not used by the profile", key)
		}
		return nil
	}

	fixed := strings.TrimSpace(inst.Value)
	switch {
	case !inst.Modifiable && val == "" && fixed != "":
		if e.Extended.SSHCriticalOptions == nil {
			e.Extended.SSHCriticalOptions = make(map[string]string)
		}
		e.Extended.SSHCriticalOptions[key] = fixed
		val = fixed
	case !inst.Modifiable && val != fixed:
		return Reject(ReasonNotAllowed, f.Name, "critical option %s is fixed to %q", key, fixed)
	case val == "" && inst.Required:
		return Reject(ReasonMissingRequiredField, f.Name, "critical option %s is required", key)
	}
	if val == "" {
		return nil
	}

	switch id {
	case catalog.SSHSourceAddress:
		for _, a := range strings.Split(val, ",") {
			a = strings.TrimSpace(a)
			if _, err := netip.ParsePrefix(a); err == nil {
				continue
			}
			if _, err := netip.ParseAddr(a); err != nil {
				return Reject(ReasonInvalidFieldFormat, f.Name, "invalid source address %q", a)
			}
		}
	case catalog.SSHVerifyRequired:
		if val != "true" && val != "false" {
			return Reject(ReasonInvalidFieldFormat, f.Name, "verify-required must be true or false")
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
