package validator

import (
	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/dn"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// ApplyDerivedValues fills name values the profile derives from other
// attributes: alternative names copied from the common name and e-mail
// bound DN and alternative name fields. Names that do not parse are left
// untouched for Validate to reject.
func ApplyDerivedValues(e *endentity.EndEntity, p *profile.Profile) {
	if p.Type() == profile.TypeSSH {
		return
	}
	subject, err := dn.ParseSubjectDN(e.SubjectDN, dn.ParseOptions{AllowMultiValueRDN: p.AllowMultiValueRDN})
	if err != nil {
		return
	}
	alt, err := dn.ParseAltName(e.SubjectAltName)
	if err != nil {
		return
	}
	cn := subject.First(catalog.CommonName)

	if e.Email != "" && derive(subject, p, catalog.DNEmail, e.Email) {
		e.SubjectDN = subject.String()
	}

	changed := false
	if e.Email != "" && derive(alt, p, catalog.RFC822Name, e.Email) {
		changed = true
	}
	if cn != "" {
		for _, id := range []catalog.FieldID{catalog.DNSName, catalog.UPN} {
			for _, inst := range p.Instances(id) {
				if !inst.CopyFromRelated {
					continue
				}
				value := cn
				if id == catalog.UPN && inst.Value != "" {
					value = cn + "@" + inst.Value
				}
				if !containsString(alt.Values(id), value) {
					f, _ := catalog.ByID(id)
					alt.Attributes = append(alt.Attributes, dn.Attribute{Field: f, Value: value})
					changed = true
				}
				break
			}
		}
	}
	if changed {
		e.SubjectAltName = alt.String()
	}
}

// derive appends value for an e-mail bound field in use when the name does
// not carry it yet.
func derive(n *dn.Name, p *profile.Profile, id catalog.FieldID, value string) bool {
	inst, ok := p.Instance(id, 0)
	if !ok || !inst.Use || n.Count(id) > 0 {
		return false
	}
	f, _ := catalog.ByID(id)
	n.Attributes = append(n.Attributes, dn.Attribute{Field: f, Value: value})
	return true
}
