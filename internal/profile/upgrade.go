package profile

import (
	"strconv"

	"github.com/remiblancher/qpki-ra/internal/catalog"
)

// LatestVersion is the current end entity profile data version.
const LatestVersion = 6

// migration upgrades a profile from version-1 to version.
type migration struct {
	version int
	apply   func(p *Profile)
}

var migrations = []migration{
	{1, (*Profile).ensureCoreFields},
	{2, (*Profile).ensureNotificationFields},
	{3, (*Profile).rebuildEmptyOrders},
	{4, (*Profile).ensureCounterFields},
	{5, (*Profile).ensureComplianceFields},
	{6, (*Profile).pruneOrders},
}

// Upgrade replays every structural migration newer than the profile version.
// It returns true when the profile was changed and is a no-op once the
// profile is at LatestVersion.
func (p *Profile) Upgrade() bool {
	if p.Version >= LatestVersion {
		return false
	}
	if p.fields == nil {
		p.fields = make(map[catalog.FieldID][]*FieldInstance)
	}
	if p.profileType == "" {
		p.profileType = TypeStandard
	}
	from := p.Version
	for _, m := range migrations {
		if m.version > p.Version {
			m.apply(p)
			p.Version = m.version
		}
	}
	p.log().Info("upgraded end entity profile", "profile", p.Name, "from", from, "to", p.Version)
	return true
}

// ensureField adds a first instance of id with the given value and use flag
// when the profile has none.
func (p *Profile) ensureField(id catalog.FieldID, value string, use bool) {
	if len(p.fields[id]) > 0 {
		return
	}
	f, ok := catalog.ByID(id)
	if !ok {
		p.log().Warn("skipping unknown field id during upgrade", "profile", p.Name, "field", id)
		return
	}
	idx := p.addField(f)
	fi := p.fields[id][idx]
	fi.Value = value
	fi.Use = use
}

// v1: the scalar fields every profile must carry.
func (p *Profile) ensureCoreFields() {
	p.ensureField(catalog.Username, "", true)
	p.ensureField(catalog.Password, "", true)
	p.ensureField(catalog.Email, "", true)
	p.ensureField(catalog.DefaultCertProfile, "1", true)
	p.ensureField(catalog.AvailableCertProfiles, "1", true)
	p.ensureField(catalog.DefaultTokenType, "1", true)
	p.ensureField(catalog.AvailableTokenTypes, "1;2;3;4", true)
	p.ensureField(catalog.DefaultCA, strconv.Itoa(AnyCA), true)
	p.ensureField(catalog.AvailableCAs, strconv.Itoa(AnyCA), true)
}

// v2: key recovery, notification and clear text password switches.
func (p *Profile) ensureNotificationFields() {
	p.ensureField(catalog.KeyRecoverable, "false", true)
	p.ensureField(catalog.SendNotification, "false", true)
	p.ensureField(catalog.ClearTextPassword, "false", false)
}

// v3: profiles written before order lists existed get one built from their
// fields in catalog order.
func (p *Profile) rebuildEmptyOrders() {
	for _, c := range []catalog.Category{
		catalog.CategorySubjectDN, catalog.CategoryAltName,
		catalog.CategoryDirectoryAttribute, catalog.CategorySSH,
	} {
		order := p.orderFor(c)
		if len(*order) > 0 {
			continue
		}
		for _, f := range catalog.InCategory(c) {
			for i := range p.fields[f.ID] {
				*order = append(*order, FieldRef{Field: f.ID, Index: i})
			}
		}
	}
}

// v4: validity window and counter fields.
func (p *Profile) ensureCounterFields() {
	p.ensureField(catalog.StartTime, "", false)
	p.ensureField(catalog.EndTime, "", false)
	p.ensureField(catalog.AllowedRequests, "1", false)
	p.ensureField(catalog.IssuanceRevocationReason, strconv.Itoa(NotRevoked), false)
	p.ensureField(catalog.MaxFailedLogins, strconv.Itoa(Unlimited), false)
}

// v5: PSD2, CA/B Forum and card number fields plus password generator defaults.
func (p *Profile) ensureComplianceFields() {
	p.ensureField(catalog.CardNumber, "", false)
	p.ensureField(catalog.PSD2QCStatement, "false", false)
	p.ensureField(catalog.CABFOrganizationIdentifier, "", false)
	if p.PasswordGenerator == "" {
		p.PasswordGenerator = catalog.PwgenLettersAndDigits
	}
	if p.PasswordLength <= 0 {
		p.PasswordLength = 8
	}
}

// v6: drop order references to missing instances and add missing ones, so
// order lists reference exactly the existing instances.
func (p *Profile) pruneOrders() {
	for _, c := range []catalog.Category{
		catalog.CategorySubjectDN, catalog.CategoryAltName,
		catalog.CategoryDirectoryAttribute, catalog.CategorySSH,
	} {
		order := p.orderFor(c)
		seen := make(map[FieldRef]bool)
		kept := make([]FieldRef, 0, len(*order))
		for _, ref := range *order {
			f, ok := catalog.ByID(ref.Field)
			if !ok || f.Category != c || p.instance(ref.Field, ref.Index) == nil || seen[ref] {
				p.log().Warn("dropping dangling order reference", "profile", p.Name, "field", ref.Field, "index", ref.Index)
				continue
			}
			seen[ref] = true
			kept = append(kept, ref)
		}
		for _, f := range catalog.InCategory(c) {
			for i := range p.fields[f.ID] {
				ref := FieldRef{Field: f.ID, Index: i}
				if !seen[ref] {
					kept = append(kept, ref)
				}
			}
		}
		*order = kept
	}
}
