package validator

import (
	"errors"
	"strings"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/dn"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// fieldCheck pairs the configured instances of one field with the values
// parsed for it.
type fieldCheck struct {
	field     catalog.Field
	instances []profile.FieldInstance
	values    []string
}

// validateNames runs the standard branch name checks.
func (v *Validator) validateNames(e *endentity.EndEntity, p *profile.Profile) error {
	subject, err := dn.ParseSubjectDN(e.SubjectDN, dn.ParseOptions{AllowMultiValueRDN: p.AllowMultiValueRDN})
	if err != nil {
		return parseRejection("SUBJECTDN", err)
	}
	alt, err := dn.ParseAltName(e.SubjectAltName)
	if err != nil {
		return parseRejection("SUBJECTALTNAME", err)
	}
	dir, err := dn.ParseDirectoryAttributes(e.SubjectDirAttrs)
	if err != nil {
		return parseRejection("SUBJECTDIRATTRIBUTES", err)
	}

	var checks []fieldCheck
	for _, name := range []*dn.Name{subject, alt, dir} {
		for _, f := range catalog.InCategory(name.Category) {
			fc := fieldCheck{field: f, instances: p.Instances(f.ID), values: name.Values(f.ID)}
			if len(fc.instances) == 0 && len(fc.values) == 0 {
				continue
			}
			checks = append(checks, fc)
		}
	}

	for _, fc := range checks {
		for _, val := range fc.values {
			if err := checkSyntax(fc.field, val); err != nil {
				return err
			}
		}
	}
	for _, fc := range checks {
		if err := checkRequiredPresence(fc, p.ReverseFieldChecks); err != nil {
			return err
		}
	}
	for _, fc := range checks {
		if len(fc.values) > len(fc.instances) {
			return Reject(ReasonNoMatchingField, fc.field.Name,
				"%d values supplied but the profile allows %d", len(fc.values), len(fc.instances))
		}
	}
	for _, fc := range checks {
		for k, val := range fc.values {
			if err := v.fieldValidators.Run(fc.field.Name, fc.instances[k].Validator, val); err != nil {
				return err
			}
		}
	}

	m := matchContext{
		email:      e.Email,
		commonName: subject.First(catalog.CommonName),
	}
	for _, fc := range checks {
		if err := m.crossMatch(fc); err != nil {
			return err
		}
	}
	return nil
}

func parseRejection(field string, err error) error {
	var pe *dn.ParseError
	if errors.As(err, &pe) && errors.Is(pe.Kind, dn.ErrUnsupportedAttribute) {
		return Reject(ReasonUnsupportedField, field, "%s", pe.Error())
	}
	return Reject(ReasonIllegalStructure, field, "%v", err)
}

// checkRequiredPresence checks that required instances can be satisfied by
// the number of parsed values. Per instance by default, instance i required
// needs at least i+1 values. With reverseFieldChecks the number of values
// must cover the number of required instances.
func checkRequiredPresence(fc fieldCheck, reverseFieldChecks bool) error {
	if reverseFieldChecks {
		required := 0
		for _, inst := range fc.instances {
			if inst.Required {
				required++
			}
		}
		if len(fc.values) < required {
			return Reject(ReasonMissingRequiredField, fc.field.Name,
				"%d values required, %d supplied", required, len(fc.values))
		}
		return nil
	}
	for i, inst := range fc.instances {
		if inst.Required && len(fc.values) < i+1 {
			return Reject(ReasonMissingRequiredField, fc.field.Name, "instance %d is required", i)
		}
	}
	return nil
}

type matchContext struct {
	email      string
	commonName string
}

// weight orders instances for matching: required counts 2, non-modifiable 1.
func weight(inst profile.FieldInstance) int {
	w := 0
	if inst.Required {
		w += 2
	}
	if !inst.Modifiable {
		w++
	}
	return w
}

// bound reports whether an instance only accepts one specific value derived
// from other end entity attributes.
func bound(f catalog.Field, inst profile.FieldInstance) bool {
	return inst.CopyFromRelated || (f.EmailBound && inst.Use)
}

// accepts reports whether an instance accepts a parsed value.
func (m matchContext) accepts(f catalog.Field, inst profile.FieldInstance, val string) bool {
	switch {
	case inst.CopyFromRelated:
		if m.commonName == "" {
			return false
		}
		// A UPN copied from the CN carries the instance value as its domain.
		if f.ID == catalog.UPN && inst.Value != "" {
			local, domain, ok := strings.Cut(val, "@")
			return ok && local == m.commonName && strings.EqualFold(domain, inst.Value)
		}
		return equalValue(f, val, m.commonName)
	case f.EmailBound && inst.Use:
		return m.email != "" && strings.EqualFold(val, m.email)
	case !inst.Modifiable:
		for _, allowed := range inst.AllowedValues() {
			if f.Syntax == catalog.SyntaxEmail {
				if strings.EqualFold(domainOf(val), domainOf(allowed)) {
					return true
				}
				continue
			}
			if equalValue(f, val, allowed) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// crossMatch assigns parsed values to instances in weight order 3, 2, 1, 0.
// Values left over are rejected as NoMatchingField and required instances
// left unmatched as MissingRequiredField.
//
// At modifiable weights, an instance prefers a value that no unmatched
// non-modifiable instance could take, so a free instance does not consume
// the only value a fixed instance accepts.
func (m matchContext) crossMatch(fc fieldCheck) error {
	consumed := make([]bool, len(fc.values))
	matched := make([]bool, len(fc.instances))

	reserved := func(j int) bool {
		for i, inst := range fc.instances {
			if matched[i] || inst.Modifiable || bound(fc.field, inst) {
				continue
			}
			if m.accepts(fc.field, inst, fc.values[j]) {
				return true
			}
		}
		return false
	}

	take := func(i int, skipReserved bool) bool {
		for j, val := range fc.values {
			if consumed[j] || !m.accepts(fc.field, fc.instances[i], val) {
				continue
			}
			if skipReserved && reserved(j) {
				continue
			}
			consumed[j], matched[i] = true, true
			return true
		}
		return false
	}

	for w := 3; w >= 0; w-- {
		for i, inst := range fc.instances {
			if matched[i] || weight(inst) != w {
				continue
			}
			free := inst.Modifiable && !bound(fc.field, inst)
			if free && take(i, true) {
				continue
			}
			take(i, false)
		}
	}

	for j, val := range fc.values {
		if !consumed[j] {
			return Reject(ReasonNoMatchingField, fc.field.Name, "value %q does not match any profile instance", val)
		}
	}
	for i, inst := range fc.instances {
		if inst.Required && !matched[i] {
			return Reject(ReasonMissingRequiredField, fc.field.Name, "instance %d is required", i)
		}
	}
	return nil
}

func equalValue(f catalog.Field, a, b string) bool {
	switch f.Syntax {
	case catalog.SyntaxDNSName, catalog.SyntaxEmail, catalog.SyntaxCountry:
		return strings.EqualFold(a, b)
	}
	return a == b
}

// domainOf returns the part after the last '@', or s itself.
func domainOf(s string) string {
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		return s[i+1:]
	}
	return s
}
