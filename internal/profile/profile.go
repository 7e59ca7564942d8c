// Package profile provides end entity profiles for the RA.
//
// An end entity profile is a named, versioned policy describing which
// attributes an end entity may carry:
//   - subject DN, alternative name and directory attribute fields, each
//     configured with zero or more numbered instances
//   - scalar attributes (username, password, e-mail, CA, certificate profile...)
//   - policy flags (multi-valued RDNs, DN merging, password strength...)
//
// Every field instance carries the aspects value, use, required, modifiable,
// copy-from-related and an optional named validator. Instances of one field
// are always numbered 0..n-1.
package profile

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/remiblancher/qpki-ra/internal/catalog"
)

// Type selects the validation branch of a profile.
type Type string

const (
	// TypeStandard profiles describe X.509 end entities.
	TypeStandard Type = "standard"

	// TypeSSH profiles describe SSH certificate end entities.
	TypeSSH Type = "ssh"
)

// Sentinel values stored in list fields.
const (
	// AnyCA in AVAILCAS allows every CA.
	AnyCA = 1

	// NotRevoked is the issuance revocation reason meaning "issue active".
	NotRevoked = -1

	// Unlimited marks a counter that is never decremented.
	Unlimited = -1
)

// FieldValidator names a custom validator and its parameters.
type FieldValidator struct {
	Name   string `yaml:"name"`
	Params string `yaml:"params,omitempty"`
}

// FieldInstance is one configured occurrence of a field.
type FieldInstance struct {
	// Value holds the default value, or the ";" separated list of allowed
	// values for non-modifiable instances.
	Value string `yaml:"value"`

	Use             bool            `yaml:"use"`
	Required        bool            `yaml:"required"`
	Modifiable      bool            `yaml:"modifiable"`
	CopyFromRelated bool            `yaml:"copy,omitempty"`
	Validator       *FieldValidator `yaml:"validator,omitempty"`
}

// AllowedValues returns Value split on ";" with blanks removed.
func (fi FieldInstance) AllowedValues() []string {
	return SplitValues(fi.Value)
}

func (fi *FieldInstance) clone() *FieldInstance {
	c := *fi
	if fi.Validator != nil {
		v := *fi.Validator
		c.Validator = &v
	}
	return &c
}

// FieldRef addresses one field instance in an order list.
type FieldRef struct {
	Field catalog.FieldID
	Index int
}

// Notification configures a message sent on status changes.
type Notification struct {
	// Events lists the end entity statuses that trigger the notification.
	Events []string `yaml:"events"`

	// Recipient is "USER", a literal address, or "CUSTOM:<resolver>".
	Recipient string `yaml:"recipient"`
	Sender    string `yaml:"sender,omitempty"`
	Subject   string `yaml:"subject"`
	Message   string `yaml:"message"`
}

// Printing configures the legacy user data print step.
type Printing struct {
	Use     bool   `yaml:"use"`
	Printer string `yaml:"printer,omitempty"`
	Copies  int    `yaml:"copies,omitempty"`
}

// Profile is an end entity profile.
type Profile struct {
	ID      int
	Name    string
	Version int

	profileType Type
	fields      map[catalog.FieldID][]*FieldInstance

	subjectDNOrder []FieldRef
	altNameOrder   []FieldRef
	dirAttrOrder   []FieldRef
	sshOrder       []FieldRef

	AllowMultiValueRDN bool
	AllowMergeDN       bool
	ReverseFieldChecks bool
	UseExtensionData   bool
	RedactPII          bool

	// MinPasswordStrength is the minimum estimated password entropy in bits.
	MinPasswordStrength int

	AutoGeneratedPassword bool
	PasswordGenerator     string
	PasswordLength        int

	Notifications []Notification
	Printing      Printing

	logger *slog.Logger
	// upgraded is set when decoding upgraded the profile and it has not been
	// saved since.
	upgraded bool
}

func newProfile(name string, t Type) *Profile {
	return &Profile{
		Name:              name,
		Version:           LatestVersion,
		profileType:       t,
		fields:            make(map[catalog.FieldID][]*FieldInstance),
		PasswordGenerator: catalog.PwgenLettersAndDigits,
		PasswordLength:    8,
	}
}

// NewEmpty creates a profile holding one instance of every catalog field that
// applies to the profile type, nothing required.
func NewEmpty(name string, t Type) *Profile {
	p := newProfile(name, t)
	for _, f := range catalog.Fields() {
		if f.Category == catalog.CategorySSH && t != TypeSSH {
			continue
		}
		if f.IsNameComponent() && t == TypeSSH {
			continue
		}
		p.addField(f)
	}
	p.applyScalarDefaults()
	return p
}

// NewDefault creates a profile with the curated minimal field set: username,
// password and common name required, e-mail optional.
func NewDefault(name string) *Profile {
	p := newProfile(name, TypeStandard)
	for _, id := range []catalog.FieldID{
		catalog.Username, catalog.Password, catalog.ClearTextPassword, catalog.Email,
		catalog.KeyRecoverable, catalog.SendNotification,
		catalog.DefaultCertProfile, catalog.AvailableCertProfiles,
		catalog.DefaultTokenType, catalog.AvailableTokenTypes,
		catalog.DefaultCA, catalog.AvailableCAs,
		catalog.StartTime, catalog.EndTime, catalog.AllowedRequests,
		catalog.IssuanceRevocationReason, catalog.MaxFailedLogins,
		catalog.CommonName,
	} {
		f, _ := catalog.ByID(id)
		p.addField(f)
	}
	p.applyScalarDefaults()
	p.instance(catalog.Username, 0).Required = true
	p.instance(catalog.Password, 0).Required = true
	p.instance(catalog.CommonName, 0).Required = true
	return p
}

// applyScalarDefaults sets the values and use flags of plain fields that are
// present in the profile.
func (p *Profile) applyScalarDefaults() {
	set := func(id catalog.FieldID, value string, use bool) {
		if fi := p.instance(id, 0); fi != nil {
			fi.Value = value
			fi.Use = use
		}
	}
	set(catalog.ClearTextPassword, "false", false)
	set(catalog.KeyRecoverable, "false", true)
	set(catalog.SendNotification, "false", true)
	set(catalog.DefaultCertProfile, "1", true)
	set(catalog.AvailableCertProfiles, "1", true)
	set(catalog.DefaultTokenType, "1", true)
	set(catalog.AvailableTokenTypes, "1;2;3;4", true)
	set(catalog.DefaultCA, strconv.Itoa(AnyCA), true)
	set(catalog.AvailableCAs, strconv.Itoa(AnyCA), true)
	set(catalog.StartTime, "", false)
	set(catalog.EndTime, "", false)
	set(catalog.AllowedRequests, "1", false)
	set(catalog.IssuanceRevocationReason, strconv.Itoa(NotRevoked), false)
	set(catalog.MaxFailedLogins, strconv.Itoa(Unlimited), false)
	set(catalog.CardNumber, "", false)
	set(catalog.PSD2QCStatement, "false", false)
	set(catalog.CABFOrganizationIdentifier, "", false)
}

// WithLogger sets the logger used for recoverable configuration problems.
func (p *Profile) WithLogger(l *slog.Logger) *Profile {
	p.logger = l
	return p
}

func (p *Profile) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

// Type returns the profile type.
func (p *Profile) Type() Type {
	return p.profileType
}

// SetType initializes the profile type. Once set, the type cannot change.
func (p *Profile) SetType(t Type) error {
	if p.profileType != "" && p.profileType != t {
		return NewProfileError(p.Name, ErrTypeImmutable)
	}
	p.profileType = t
	return nil
}

// lookup resolves a field name, logging unknown names.
func (p *Profile) lookup(name string) (catalog.Field, bool) {
	f, ok := catalog.Lookup(name)
	if !ok {
		p.log().Warn("no such end entity profile field", "profile", p.Name, "field", name)
	}
	return f, ok
}

func (p *Profile) instance(id catalog.FieldID, index int) *FieldInstance {
	list := p.fields[id]
	if index < 0 || index >= len(list) {
		return nil
	}
	return list[index]
}

func (p *Profile) named(name string, index int) *FieldInstance {
	f, ok := p.lookup(name)
	if !ok {
		return nil
	}
	fi := p.instance(f.ID, index)
	if fi == nil {
		p.log().Warn("no such end entity profile field instance", "profile", p.Name, "field", name, "index", index)
	}
	return fi
}

// AddField appends a new instance of the named field and returns its index,
// or -1 when the field is unknown.
func (p *Profile) AddField(name string) int {
	f, ok := p.lookup(name)
	if !ok {
		return -1
	}
	return p.addField(f)
}

func (p *Profile) addField(f catalog.Field) int {
	index := len(p.fields[f.ID])
	p.fields[f.ID] = append(p.fields[f.ID], &FieldInstance{
		Value:      "",
		Use:        f.DefaultUse(),
		Required:   false,
		Modifiable: true,
	})
	if order := p.orderFor(f.Category); order != nil {
		*order = append(*order, FieldRef{Field: f.ID, Index: index})
	}
	return index
}

// RemoveField deletes one instance of the named field. Later instances move
// down by one and the order list entry is removed.
func (p *Profile) RemoveField(name string, index int) bool {
	f, ok := p.lookup(name)
	if !ok {
		return false
	}
	list := p.fields[f.ID]
	if index < 0 || index >= len(list) {
		p.log().Warn("no such end entity profile field instance", "profile", p.Name, "field", name, "index", index)
		return false
	}
	list = append(list[:index], list[index+1:]...)
	if len(list) == 0 {
		delete(p.fields, f.ID)
	} else {
		p.fields[f.ID] = list
	}

	if order := p.orderFor(f.Category); order != nil {
		kept := (*order)[:0]
		for _, ref := range *order {
			if ref.Field == f.ID {
				if ref.Index == index {
					continue
				}
				if ref.Index > index {
					ref.Index--
				}
			}
			kept = append(kept, ref)
		}
		*order = kept
	}
	return true
}

// NumberOfField returns the number of instances of the named field.
func (p *Profile) NumberOfField(name string) int {
	f, ok := p.lookup(name)
	if !ok {
		return 0
	}
	return len(p.fields[f.ID])
}

// Count returns the number of instances of a field id.
func (p *Profile) Count(id catalog.FieldID) int {
	return len(p.fields[id])
}

// Instances returns copies of every instance of a field id.
func (p *Profile) Instances(id catalog.FieldID) []FieldInstance {
	list := p.fields[id]
	out := make([]FieldInstance, len(list))
	for i, fi := range list {
		out[i] = *fi.clone()
	}
	return out
}

// Instance returns a copy of one instance of a field id.
func (p *Profile) Instance(id catalog.FieldID, index int) (FieldInstance, bool) {
	fi := p.instance(id, index)
	if fi == nil {
		return FieldInstance{}, false
	}
	return *fi.clone(), true
}

// SetInstance replaces every aspect of one existing instance.
func (p *Profile) SetInstance(id catalog.FieldID, index int, fi FieldInstance) bool {
	cur := p.instance(id, index)
	if cur == nil {
		return false
	}
	*cur = *fi.clone()
	return true
}

// FieldIDs returns the ids of the configured fields in catalog order.
func (p *Profile) FieldIDs() []catalog.FieldID {
	var ids []catalog.FieldID
	for _, f := range catalog.Fields() {
		if len(p.fields[f.ID]) > 0 {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// Value returns the value aspect of a field instance.
func (p *Profile) Value(name string, index int) string {
	if fi := p.named(name, index); fi != nil {
		return fi.Value
	}
	return ""
}

// SetValue sets the value aspect of a field instance.
func (p *Profile) SetValue(name string, index int, value string) bool {
	fi := p.named(name, index)
	if fi == nil {
		return false
	}
	fi.Value = strings.TrimSpace(value)
	return true
}

// Use returns the use aspect of a field instance.
func (p *Profile) Use(name string, index int) bool {
	if fi := p.named(name, index); fi != nil {
		return fi.Use
	}
	return false
}

// SetUse sets the use aspect of a field instance.
func (p *Profile) SetUse(name string, index int, use bool) bool {
	fi := p.named(name, index)
	if fi == nil {
		return false
	}
	fi.Use = use
	return true
}

// Required returns the required aspect of a field instance.
func (p *Profile) Required(name string, index int) bool {
	if fi := p.named(name, index); fi != nil {
		return fi.Required
	}
	return false
}

// SetRequired sets the required aspect of a field instance.
func (p *Profile) SetRequired(name string, index int, required bool) bool {
	fi := p.named(name, index)
	if fi == nil {
		return false
	}
	fi.Required = required
	return true
}

// Modifiable returns the modifiable aspect of a field instance.
func (p *Profile) Modifiable(name string, index int) bool {
	if fi := p.named(name, index); fi != nil {
		return fi.Modifiable
	}
	return false
}

// SetModifiable sets the modifiable aspect of a field instance.
func (p *Profile) SetModifiable(name string, index int, modifiable bool) bool {
	fi := p.named(name, index)
	if fi == nil {
		return false
	}
	fi.Modifiable = modifiable
	return true
}

// CopyFromRelated returns the copy aspect of a field instance.
func (p *Profile) CopyFromRelated(name string, index int) bool {
	if fi := p.named(name, index); fi != nil {
		return fi.CopyFromRelated
	}
	return false
}

// SetCopyFromRelated sets the copy aspect of a field instance.
func (p *Profile) SetCopyFromRelated(name string, index int, copyFrom bool) bool {
	fi := p.named(name, index)
	if fi == nil {
		return false
	}
	fi.CopyFromRelated = copyFrom
	return true
}

// Validator returns the custom validator of a field instance, or nil.
func (p *Profile) Validator(name string, index int) *FieldValidator {
	fi := p.named(name, index)
	if fi == nil || fi.Validator == nil {
		return nil
	}
	v := *fi.Validator
	return &v
}

// SetValidator sets (or clears, with nil) the custom validator of a field instance.
func (p *Profile) SetValidator(name string, index int, v *FieldValidator) bool {
	fi := p.named(name, index)
	if fi == nil {
		return false
	}
	if v == nil {
		fi.Validator = nil
		return true
	}
	c := *v
	fi.Validator = &c
	return true
}

func (p *Profile) orderFor(c catalog.Category) *[]FieldRef {
	switch c {
	case catalog.CategorySubjectDN:
		return &p.subjectDNOrder
	case catalog.CategoryAltName:
		return &p.altNameOrder
	case catalog.CategoryDirectoryAttribute:
		return &p.dirAttrOrder
	case catalog.CategorySSH:
		return &p.sshOrder
	}
	return nil
}

// SubjectDNOrder returns the subject DN field order.
func (p *Profile) SubjectDNOrder() []FieldRef { return append([]FieldRef(nil), p.subjectDNOrder...) }

// AltNameOrder returns the subject alternative name field order.
func (p *Profile) AltNameOrder() []FieldRef { return append([]FieldRef(nil), p.altNameOrder...) }

// DirectoryAttributeOrder returns the subject directory attribute field order.
func (p *Profile) DirectoryAttributeOrder() []FieldRef {
	return append([]FieldRef(nil), p.dirAttrOrder...)
}

// SSHFieldOrder returns the SSH field order.
func (p *Profile) SSHFieldOrder() []FieldRef { return append([]FieldRef(nil), p.sshOrder...) }

// SetOrder replaces the order list of a category. References to missing
// instances are rejected.
func (p *Profile) SetOrder(c catalog.Category, refs []FieldRef) error {
	order := p.orderFor(c)
	if order == nil {
		return NewProfileError(p.Name, ErrInvalidProfile)
	}
	for _, ref := range refs {
		f, ok := catalog.ByID(ref.Field)
		if !ok || f.Category != c || p.instance(ref.Field, ref.Index) == nil {
			return NewProfileError(p.Name, ErrInvalidProfile)
		}
	}
	*order = append([]FieldRef(nil), refs...)
	return nil
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	c.fields = make(map[catalog.FieldID][]*FieldInstance, len(p.fields))
	for id, list := range p.fields {
		cl := make([]*FieldInstance, len(list))
		for i, fi := range list {
			cl[i] = fi.clone()
		}
		c.fields[id] = cl
	}
	c.subjectDNOrder = p.SubjectDNOrder()
	c.altNameOrder = p.AltNameOrder()
	c.dirAttrOrder = p.DirectoryAttributeOrder()
	c.sshOrder = p.SSHFieldOrder()
	c.Notifications = make([]Notification, len(p.Notifications))
	for i, n := range p.Notifications {
		n.Events = append([]string(nil), n.Events...)
		c.Notifications[i] = n
	}
	return &c
}

// SplitValues splits a ";" separated list, trimming blanks.
func SplitValues(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *Profile) intList(id catalog.FieldID) []int {
	fi := p.instance(id, 0)
	if fi == nil {
		return nil
	}
	var out []int
	for _, s := range fi.AllowedValues() {
		n, err := strconv.Atoi(s)
		if err != nil {
			p.log().Warn("ignoring non-numeric list value", "profile", p.Name, "field", id, "value", s)
			continue
		}
		out = append(out, n)
	}
	return out
}

func (p *Profile) intValue(id catalog.FieldID, def int) int {
	fi := p.instance(id, 0)
	if fi == nil || strings.TrimSpace(fi.Value) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(fi.Value))
	if err != nil {
		return def
	}
	return n
}

// AvailableCAs returns the CA ids allowed by the profile.
func (p *Profile) AvailableCAs() []int { return p.intList(catalog.AvailableCAs) }

// AvailableCertProfiles returns the certificate profile ids allowed by the profile.
func (p *Profile) AvailableCertProfiles() []int { return p.intList(catalog.AvailableCertProfiles) }

// AvailableTokenTypes returns the token types allowed by the profile.
func (p *Profile) AvailableTokenTypes() []int { return p.intList(catalog.AvailableTokenTypes) }

// DefaultCA returns the default CA id, or 0.
func (p *Profile) DefaultCA() int { return p.intValue(catalog.DefaultCA, 0) }

// DefaultCertProfile returns the default certificate profile id, or 0.
func (p *Profile) DefaultCertProfile() int { return p.intValue(catalog.DefaultCertProfile, 0) }

// DefaultTokenType returns the default token type, or 0.
func (p *Profile) DefaultTokenType() int { return p.intValue(catalog.DefaultTokenType, 0) }

// UsesField reports whether the first instance of a plain field is in use.
func (p *Profile) UsesField(id catalog.FieldID) bool {
	fi := p.instance(id, 0)
	return fi != nil && fi.Use
}

// DefaultAllowedRequests returns the request counter an end entity starts
// with, or Unlimited when the profile does not track requests.
func (p *Profile) DefaultAllowedRequests() int {
	if !p.UsesField(catalog.AllowedRequests) {
		return Unlimited
	}
	return p.intValue(catalog.AllowedRequests, 1)
}

// MaxFailedLogins returns the maximum failed login attempts, or Unlimited.
func (p *Profile) MaxFailedLogins() int {
	if !p.UsesField(catalog.MaxFailedLogins) {
		return Unlimited
	}
	return p.intValue(catalog.MaxFailedLogins, Unlimited)
}

// AutoGeneratedUsername reports whether usernames are generated by the RA.
func (p *Profile) AutoGeneratedUsername() bool {
	fi := p.instance(catalog.Username, 0)
	return fi != nil && !fi.Use
}
