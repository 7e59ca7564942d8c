package profile

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/remiblancher/qpki-ra/internal/catalog"
)

// profileYAML is the persisted representation of a Profile. Fields and order
// lists are keyed by catalog field name so the file stays readable and
// independent of numeric ids.
type profileYAML struct {
	ID      int    `yaml:"id"`
	Name    string `yaml:"name"`
	Type    Type   `yaml:"type"`
	Version int    `yaml:"version"`

	Fields map[string][]FieldInstance `yaml:"fields"`

	SubjectDNOrder []refYAML `yaml:"subject_dn_order,omitempty"`
	AltNameOrder   []refYAML `yaml:"alt_name_order,omitempty"`
	DirAttrOrder   []refYAML `yaml:"dir_attr_order,omitempty"`
	SSHOrder       []refYAML `yaml:"ssh_order,omitempty"`

	AllowMultiValueRDN    bool   `yaml:"allow_multi_value_rdn,omitempty"`
	AllowMergeDN          bool   `yaml:"allow_merge_dn,omitempty"`
	ReverseFieldChecks    bool   `yaml:"reverse_field_checks,omitempty"`
	UseExtensionData      bool   `yaml:"use_extension_data,omitempty"`
	RedactPII             bool   `yaml:"redact_pii,omitempty"`
	MinPasswordStrength   int    `yaml:"min_password_strength,omitempty"`
	AutoGeneratedPassword bool   `yaml:"auto_generated_password,omitempty"`
	PasswordGenerator     string `yaml:"password_generator,omitempty"`
	PasswordLength        int    `yaml:"password_length,omitempty"`

	Notifications []Notification `yaml:"notifications,omitempty"`
	Printing      Printing       `yaml:"printing,omitempty"`
}

type refYAML struct {
	Field string `yaml:"field"`
	Index int    `yaml:"index"`
}

// LoadProfileFromFile loads a profile from a YAML file.
func LoadProfileFromFile(path string, logger *slog.Logger) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	return LoadProfileFromBytes(data, logger)
}

// LoadProfileFromBytes decodes a profile and upgrades it to LatestVersion.
// Unknown field names and dangling order references are logged and skipped.
func LoadProfileFromBytes(data []byte, logger *slog.Logger) (*Profile, error) {
	var py profileYAML
	if err := yaml.Unmarshal(data, &py); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if py.Name == "" {
		return nil, fmt.Errorf("%w: profile name is required", ErrInvalidProfile)
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := py.Type
	if t == "" {
		t = TypeStandard
	}
	if t != TypeStandard && t != TypeSSH {
		return nil, NewProfileError(py.Name, fmt.Errorf("%w: unknown type %q", ErrInvalidProfile, t))
	}

	p := &Profile{
		ID:                    py.ID,
		Name:                  py.Name,
		Version:               py.Version,
		profileType:           t,
		fields:                make(map[catalog.FieldID][]*FieldInstance),
		AllowMultiValueRDN:    py.AllowMultiValueRDN,
		AllowMergeDN:          py.AllowMergeDN,
		ReverseFieldChecks:    py.ReverseFieldChecks,
		UseExtensionData:      py.UseExtensionData,
		RedactPII:             py.RedactPII,
		MinPasswordStrength:   py.MinPasswordStrength,
		AutoGeneratedPassword: py.AutoGeneratedPassword,
		PasswordGenerator:     py.PasswordGenerator,
		PasswordLength:        py.PasswordLength,
		Notifications:         py.Notifications,
		Printing:              py.Printing,
		logger:                logger,
	}

	for name, list := range py.Fields {
		f, ok := catalog.Lookup(name)
		if !ok {
			logger.Warn("skipping unknown field in persisted profile", "profile", py.Name, "field", name)
			continue
		}
		for i := range list {
			fi := list[i]
			p.fields[f.ID] = append(p.fields[f.ID], fi.clone())
		}
	}

	p.subjectDNOrder = decodeOrder(p, catalog.CategorySubjectDN, py.SubjectDNOrder)
	p.altNameOrder = decodeOrder(p, catalog.CategoryAltName, py.AltNameOrder)
	p.dirAttrOrder = decodeOrder(p, catalog.CategoryDirectoryAttribute, py.DirAttrOrder)
	p.sshOrder = decodeOrder(p, catalog.CategorySSH, py.SSHOrder)

	p.upgraded = p.Upgrade()
	return p, nil
}

func decodeOrder(p *Profile, c catalog.Category, refs []refYAML) []FieldRef {
	var out []FieldRef
	for _, r := range refs {
		f, ok := catalog.Lookup(r.Field)
		if !ok || f.Category != c || p.instance(f.ID, r.Index) == nil {
			p.log().Warn("skipping dangling order reference", "profile", p.Name, "field", r.Field, "index", r.Index)
			continue
		}
		out = append(out, FieldRef{Field: f.ID, Index: r.Index})
	}
	return out
}

// Marshal encodes the profile as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	py := profileYAML{
		ID:                    p.ID,
		Name:                  p.Name,
		Type:                  p.profileType,
		Version:               p.Version,
		Fields:                make(map[string][]FieldInstance, len(p.fields)),
		SubjectDNOrder:        encodeOrder(p.subjectDNOrder),
		AltNameOrder:          encodeOrder(p.altNameOrder),
		DirAttrOrder:          encodeOrder(p.dirAttrOrder),
		SSHOrder:              encodeOrder(p.sshOrder),
		AllowMultiValueRDN:    p.AllowMultiValueRDN,
		AllowMergeDN:          p.AllowMergeDN,
		ReverseFieldChecks:    p.ReverseFieldChecks,
		UseExtensionData:      p.UseExtensionData,
		RedactPII:             p.RedactPII,
		MinPasswordStrength:   p.MinPasswordStrength,
		AutoGeneratedPassword: p.AutoGeneratedPassword,
		PasswordGenerator:     p.PasswordGenerator,
		PasswordLength:        p.PasswordLength,
		Notifications:         p.Notifications,
		Printing:              p.Printing,
	}
	for id, list := range p.fields {
		f, ok := catalog.ByID(id)
		if !ok {
			continue
		}
		out := make([]FieldInstance, len(list))
		for i, fi := range list {
			out[i] = *fi.clone()
		}
		py.Fields[f.Name] = out
	}
	data, err := yaml.Marshal(&py)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile: %w", err)
	}
	return data, nil
}

func encodeOrder(refs []FieldRef) []refYAML {
	out := make([]refYAML, 0, len(refs))
	for _, r := range refs {
		f, ok := catalog.ByID(r.Field)
		if !ok {
			continue
		}
		out = append(out, refYAML{Field: f.Name, Index: r.Index})
	}
	return out
}
