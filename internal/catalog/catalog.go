// Package catalog is the static registry of end entity profile fields.
//
// Every field a profile can configure has a stable numeric id, a profile name
// (e.g. COMMONNAME), a category and, for name components, the attribute keys
// accepted when parsing subject DNs and alternative names. The tables are
// built once when the package is initialized and are read-only afterwards.
package catalog

import (
	"sort"
	"strings"
)

// Category groups fields by the structure they are carried in.
type Category int

const (
	// CategoryPlain is a scalar end entity attribute (username, e-mail, CA...).
	CategoryPlain Category = iota

	// CategorySubjectDN is a subject distinguished name component.
	CategorySubjectDN

	// CategoryAltName is a subject alternative name entry.
	CategoryAltName

	// CategoryDirectoryAttribute is a subject directory attribute.
	CategoryDirectoryAttribute

	// CategorySSH is an SSH certificate field.
	CategorySSH
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPlain:
		return "plain"
	case CategorySubjectDN:
		return "subject-dn"
	case CategoryAltName:
		return "alt-name"
	case CategoryDirectoryAttribute:
		return "directory-attribute"
	case CategorySSH:
		return "ssh"
	default:
		return "unknown"
	}
}

// Syntax describes the value format a field expects.
type Syntax int

const (
	SyntaxText Syntax = iota
	SyntaxCountry
	SyntaxDate
	SyntaxGender
	SyntaxEmail
	SyntaxDNSName
	SyntaxIPAddress
	SyntaxInteger
	SyntaxBoolean
)

// FieldID is the stable identifier of a field.
type FieldID int

// Plain fields.
const (
	Username FieldID = iota
	Password
	ClearTextPassword
	Email
	KeyRecoverable
	SendNotification
	DefaultCertProfile
	AvailableCertProfiles
	DefaultTokenType
	AvailableTokenTypes
	DefaultCA
	AvailableCAs
	StartTime
	EndTime
	AllowedRequests
	IssuanceRevocationReason
	MaxFailedLogins
	CardNumber
	PSD2QCStatement
	CABFOrganizationIdentifier
)

// Subject DN fields.
const (
	DNEmail FieldID = 100 + iota
	UID
	CommonName
	SerialNumber
	GivenName
	Initials
	Surname
	Title
	OrganizationalUnit
	Organization
	Locality
	StateOrProvince
	DomainComponent
	Country
	UnstructuredAddress
	UnstructuredName
	PostalCode
	BusinessCategory
	DNQualifier
	PostalAddress
	TelephoneNumber
	Pseudonym
	StreetAddress
	Name
	Role
	Description
	OrganizationIdentifier
	JurisdictionLocality
	JurisdictionState
	JurisdictionCountry
	UniqueIdentifier
)

// Subject alternative name fields.
const (
	RFC822Name FieldID = 200 + iota
	DNSName
	IPAddress
	URI
	DirectoryName
	UPN
	GUID
	KRB5Principal
	PermanentIdentifier
	XMPPAddr
	SRVName
	RegisteredID
	SubjectIdentificationMethod
	FASCN
)

// Subject directory attribute fields.
const (
	DateOfBirth FieldID = 300 + iota
	PlaceOfBirth
	Gender
	CountryOfCitizenship
	CountryOfResidence
)

// SSH fields.
const (
	SSHPrincipal FieldID = 400 + iota
	SSHForceCommand
	SSHSourceAddress
	SSHVerifyRequired
)

// Field is the immutable definition of a profile field.
type Field struct {
	ID       FieldID
	Name     string
	Category Category
	Syntax   Syntax

	// Keys are the attribute names accepted by the parsers, canonical first.
	Keys []string

	// EmailBound fields may be bound to the end entity e-mail address. For
	// these fields the "use" aspect means "copy from the e-mail attribute" and
	// defaults to false.
	EmailBound bool
}

// Key returns the canonical attribute key, or the field name when the field
// has no parser key.
func (f Field) Key() string {
	if len(f.Keys) > 0 {
		return f.Keys[0]
	}
	return f.Name
}

// DefaultUse returns the initial "use" aspect of a new field instance.
func (f Field) DefaultUse() bool {
	return !f.EmailBound
}

// IsNameComponent reports whether values for the field are parsed out of a
// DN, alternative name or directory attribute string.
func (f Field) IsNameComponent() bool {
	switch f.Category {
	case CategorySubjectDN, CategoryAltName, CategoryDirectoryAttribute:
		return true
	}
	return false
}

var (
	fields  []Field
	byID    map[FieldID]Field
	byName  map[string]Field
	byKey   map[Category]map[string]Field
	ordered map[Category][]Field
)

func init() {
	fields = buildFields()
	byID = make(map[FieldID]Field, len(fields))
	byName = make(map[string]Field, len(fields))
	byKey = make(map[Category]map[string]Field)
	ordered = make(map[Category][]Field)

	for _, f := range fields {
		byID[f.ID] = f
		byName[f.Name] = f
		if byKey[f.Category] == nil {
			byKey[f.Category] = make(map[string]Field)
		}
		for _, k := range f.Keys {
			byKey[f.Category][strings.ToUpper(k)] = f
		}
		ordered[f.Category] = append(ordered[f.Category], f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
}

func buildFields() []Field {
	plain := func(id FieldID, name string, syn Syntax) Field {
		return Field{ID: id, Name: name, Category: CategoryPlain, Syntax: syn}
	}
	dn := func(id FieldID, name string, syn Syntax, keys ...string) Field {
		return Field{ID: id, Name: name, Category: CategorySubjectDN, Syntax: syn, Keys: keys}
	}
	alt := func(id FieldID, name string, syn Syntax, keys ...string) Field {
		return Field{ID: id, Name: name, Category: CategoryAltName, Syntax: syn, Keys: keys}
	}
	dir := func(id FieldID, name string, syn Syntax, keys ...string) Field {
		return Field{ID: id, Name: name, Category: CategoryDirectoryAttribute, Syntax: syn, Keys: keys}
	}
	ssh := func(id FieldID, name string, keys ...string) Field {
		return Field{ID: id, Name: name, Category: CategorySSH, Syntax: SyntaxText, Keys: keys}
	}

	dnEmail := dn(DNEmail, "DNEMAIL", SyntaxEmail, "E", "EMAIL", "EMAILADDRESS")
	dnEmail.EmailBound = true
	rfc822 := alt(RFC822Name, "RFC822NAME", SyntaxEmail, "RFC822NAME", "EMAIL")
	rfc822.EmailBound = true

	return []Field{
		plain(Username, "USERNAME", SyntaxText),
		plain(Password, "PASSWORD", SyntaxText),
		plain(ClearTextPassword, "CLEARTEXTPASSWORD", SyntaxBoolean),
		plain(Email, "EMAIL", SyntaxEmail),
		plain(KeyRecoverable, "KEYRECOVERABLE", SyntaxBoolean),
		plain(SendNotification, "SENDNOTIFICATION", SyntaxBoolean),
		plain(DefaultCertProfile, "DEFAULTCERTPROFILE", SyntaxInteger),
		plain(AvailableCertProfiles, "AVAILCERTPROFILES", SyntaxText),
		plain(DefaultTokenType, "DEFKEYSTORE", SyntaxInteger),
		plain(AvailableTokenTypes, "AVAILKEYSTORE", SyntaxText),
		plain(DefaultCA, "DEFAULTCA", SyntaxInteger),
		plain(AvailableCAs, "AVAILCAS", SyntaxText),
		plain(StartTime, "STARTTIME", SyntaxText),
		plain(EndTime, "ENDTIME", SyntaxText),
		plain(AllowedRequests, "ALLOWEDREQUESTS", SyntaxInteger),
		plain(IssuanceRevocationReason, "ISSUANCEREVOCATIONREASON", SyntaxInteger),
		plain(MaxFailedLogins, "MAXFAILEDLOGINS", SyntaxInteger),
		plain(CardNumber, "CARDNUMBER", SyntaxText),
		plain(PSD2QCStatement, "PSD2QCSTATEMENT", SyntaxBoolean),
		plain(CABFOrganizationIdentifier, "CABFORGANIZATIONIDENTIFIER", SyntaxText),

		dnEmail,
		dn(UID, "UID", SyntaxText, "UID", "USERID"),
		dn(CommonName, "COMMONNAME", SyntaxText, "CN", "COMMONNAME"),
		dn(SerialNumber, "SERIALNUMBER", SyntaxText, "SN", "SERIALNUMBER"),
		dn(GivenName, "GIVENNAME", SyntaxText, "GIVENNAME", "GN", "G"),
		dn(Initials, "INITIALS", SyntaxText, "INITIALS"),
		dn(Surname, "SURNAME", SyntaxText, "SURNAME"),
		dn(Title, "TITLE", SyntaxText, "T", "TITLE"),
		dn(OrganizationalUnit, "ORGANIZATIONALUNIT", SyntaxText, "OU"),
		dn(Organization, "ORGANIZATION", SyntaxText, "O"),
		dn(Locality, "LOCALITY", SyntaxText, "L"),
		dn(StateOrProvince, "STATEORPROVINCE", SyntaxText, "ST"),
		dn(DomainComponent, "DOMAINCOMPONENT", SyntaxText, "DC"),
		dn(Country, "COUNTRY", SyntaxCountry, "C"),
		dn(UnstructuredAddress, "UNSTRUCTUREDADDRESS", SyntaxIPAddress, "UNSTRUCTUREDADDRESS"),
		dn(UnstructuredName, "UNSTRUCTUREDNAME", SyntaxDNSName, "UNSTRUCTUREDNAME"),
		dn(PostalCode, "POSTALCODE", SyntaxText, "POSTALCODE"),
		dn(BusinessCategory, "BUSINESSCATEGORY", SyntaxText, "BUSINESSCATEGORY"),
		dn(DNQualifier, "DNQUALIFIER", SyntaxText, "DN"),
		dn(PostalAddress, "POSTALADDRESS", SyntaxText, "POSTALADDRESS"),
		dn(TelephoneNumber, "TELEPHONENUMBER", SyntaxText, "TELEPHONENUMBER"),
		dn(Pseudonym, "PSEUDONYM", SyntaxText, "PSEUDONYM"),
		dn(StreetAddress, "STREETADDRESS", SyntaxText, "STREET"),
		dn(Name, "NAME", SyntaxText, "NAME"),
		dn(Role, "ROLE", SyntaxText, "ROLE"),
		dn(Description, "DESCRIPTION", SyntaxText, "DESCRIPTION"),
		dn(OrganizationIdentifier, "ORGANIZATIONIDENTIFIER", SyntaxText, "ORGANIZATIONIDENTIFIER"),
		dn(JurisdictionLocality, "JURISDICTIONLOCALITY", SyntaxText, "JURISDICTIONLOCALITY"),
		dn(JurisdictionState, "JURISDICTIONSTATE", SyntaxText, "JURISDICTIONSTATE"),
		dn(JurisdictionCountry, "JURISDICTIONCOUNTRY", SyntaxCountry, "JURISDICTIONCOUNTRY"),
		dn(UniqueIdentifier, "UNIQUEIDENTIFIER", SyntaxText, "UNIQUEIDENTIFIER"),

		rfc822,
		alt(DNSName, "DNSNAME", SyntaxDNSName, "DNSNAME"),
		alt(IPAddress, "IPADDRESS", SyntaxIPAddress, "IPADDRESS"),
		alt(URI, "UNIFORMRESOURCEID", SyntaxText, "URI", "UNIFORMRESOURCEID", "UNIFORMRESOURCEIDENTIFIER"),
		alt(DirectoryName, "DIRECTORYNAME", SyntaxText, "DIRECTORYNAME"),
		alt(UPN, "UPN", SyntaxText, "UPN"),
		alt(GUID, "GUID", SyntaxText, "GUID"),
		alt(KRB5Principal, "KRB5PRINCIPAL", SyntaxText, "KRB5PRINCIPAL"),
		alt(PermanentIdentifier, "PERMANENTIDENTIFIER", SyntaxText, "PERMANENTIDENTIFIER"),
		alt(XMPPAddr, "XMPPADDR", SyntaxText, "XMPPADDR"),
		alt(SRVName, "SRVNAME", SyntaxText, "SRVNAME"),
		alt(RegisteredID, "REGISTEREDID", SyntaxText, "REGISTEREDID"),
		alt(SubjectIdentificationMethod, "SUBJECTIDENTIFICATIONMETHOD", SyntaxText, "SUBJECTIDENTIFICATIONMETHOD"),
		alt(FASCN, "FASCN", SyntaxText, "FASCN"),

		dir(DateOfBirth, "DATEOFBIRTH", SyntaxDate, "DATEOFBIRTH"),
		dir(PlaceOfBirth, "PLACEOFBIRTH", SyntaxText, "PLACEOFBIRTH"),
		dir(Gender, "GENDER", SyntaxGender, "GENDER"),
		dir(CountryOfCitizenship, "COUNTRYOFCITIZENSHIP", SyntaxCountry, "COUNTRYOFCITIZENSHIP"),
		dir(CountryOfResidence, "COUNTRYOFRESIDENCE", SyntaxCountry, "COUNTRYOFRESIDENCE"),

		ssh(SSHPrincipal, "SSH_PRINCIPAL", "PRINCIPAL"),
		ssh(SSHForceCommand, "SSH_FORCE_COMMAND", "force-command"),
		ssh(SSHSourceAddress, "SSH_SOURCE_ADDRESS", "source-address"),
		ssh(SSHVerifyRequired, "SSH_VERIFY_REQUIRED", "verify-required"),
	}
}

// Lookup returns the field with the given profile name (case-insensitive).
func Lookup(name string) (Field, bool) {
	f, ok := byName[strings.ToUpper(strings.TrimSpace(name))]
	return f, ok
}

// ByID returns the field with the given id.
func ByID(id FieldID) (Field, bool) {
	f, ok := byID[id]
	return f, ok
}

// ByKey resolves a parser attribute key (e.g. "CN", "dNSName") within a
// category. Keys are case-insensitive.
func ByKey(c Category, key string) (Field, bool) {
	m := byKey[c]
	if m == nil {
		return Field{}, false
	}
	f, ok := m[strings.ToUpper(strings.TrimSpace(key))]
	return f, ok
}

// Fields returns every field ordered by id. The returned slice is a copy.
func Fields() []Field {
	out := make([]Field, len(fields))
	copy(out, fields)
	return out
}

// InCategory returns the fields of one category ordered by id.
func InCategory(c Category) []Field {
	src := ordered[c]
	out := make([]Field, len(src))
	copy(out, src)
	return out
}

// MustID returns the id of a field name and panics if the name is unknown.
// Intended for package-level tables.
func MustID(name string) FieldID {
	f, ok := Lookup(name)
	if !ok {
		panic("catalog: unknown field " + name)
	}
	return f.ID
}
