// Package dn parses subject distinguished names, subject alternative names and
// subject directory attribute strings into ordered attribute lists keyed by
// catalog field.
//
// Accepted syntax is the comma separated "key=value" form used throughout the
// RA, e.g.
//
//	CN=Alice,O=Example,C=SE
//	dNSName=a.example.com, rfc822Name=alice@example.com
//	dateOfBirth=19700101, gender=F
//
// Backslash escapes (\, \+ \= \\ and \hh) and double quoted values are
// supported. A value starting with '#' is a hex encoded DER value.
package dn

import (
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/remiblancher/qpki-ra/internal/catalog"
)

// Sentinel errors wrapped by ParseError.
var (
	// ErrIllegalStructure indicates malformed syntax.
	ErrIllegalStructure = errors.New("illegal structure")

	// ErrUnsupportedAttribute indicates a key that the catalog does not know.
	ErrUnsupportedAttribute = errors.New("unsupported attribute")
)

// ParseError describes why a name string could not be parsed.
type ParseError struct {
	Kind    error  // ErrIllegalStructure or ErrUnsupportedAttribute
	Key     string // offending attribute key, if known
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Key, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

// Unwrap returns the error kind.
func (e *ParseError) Unwrap() error { return e.Kind }

func illegal(key, format string, args ...interface{}) error {
	return &ParseError{Kind: ErrIllegalStructure, Key: key, Message: fmt.Sprintf(format, args...)}
}

// Attribute is one parsed key/value pair.
type Attribute struct {
	Field catalog.Field
	Value string

	// MultiValued is set when the attribute was joined to the previous one
	// with '+' inside a single RDN.
	MultiValued bool
}

// Name is an ordered list of parsed attributes of one category.
type Name struct {
	Category   catalog.Category
	Attributes []Attribute
}

// Values returns the values of one field in order of appearance.
func (n *Name) Values(id catalog.FieldID) []string {
	if n == nil {
		return nil
	}
	var out []string
	for _, a := range n.Attributes {
		if a.Field.ID == id {
			out = append(out, a.Value)
		}
	}
	return out
}

// First returns the first value of a field, or "".
func (n *Name) First(id catalog.FieldID) string {
	if v := n.Values(id); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Count returns the number of values of a field.
func (n *Name) Count(id catalog.FieldID) int {
	return len(n.Values(id))
}

// FieldIDs returns the distinct fields present, in order of first appearance.
func (n *Name) FieldIDs() []catalog.FieldID {
	if n == nil {
		return nil
	}
	seen := make(map[catalog.FieldID]bool)
	var out []catalog.FieldID
	for _, a := range n.Attributes {
		if !seen[a.Field.ID] {
			seen[a.Field.ID] = true
			out = append(out, a.Field.ID)
		}
	}
	return out
}

// Len returns the number of attributes.
func (n *Name) Len() int {
	if n == nil {
		return 0
	}
	return len(n.Attributes)
}

// String renders the name back into its textual form using canonical keys.
func (n *Name) String() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	for i, a := range n.Attributes {
		if i > 0 {
			if a.MultiValued {
				b.WriteString("+")
			} else {
				b.WriteString(",")
			}
		}
		b.WriteString(a.Field.Key())
		b.WriteString("=")
		b.WriteString(escape(a.Value))
	}
	return b.String()
}

// ParseOptions tunes subject DN parsing.
type ParseOptions struct {
	// AllowMultiValueRDN permits '+' joined attributes in one RDN.
	AllowMultiValueRDN bool
}

// ParseSubjectDN parses a subject distinguished name.
func ParseSubjectDN(s string, opts ParseOptions) (*Name, error) {
	n := &Name{Category: catalog.CategorySubjectDN}
	rdns, err := split(s, ',')
	if err != nil {
		return nil, err
	}
	for _, rdn := range rdns {
		if strings.TrimSpace(rdn) == "" {
			continue
		}
		avas, err := split(rdn, '+')
		if err != nil {
			return nil, err
		}
		if len(avas) > 1 && !opts.AllowMultiValueRDN {
			return nil, illegal("", "multi-valued RDN %q not allowed", strings.TrimSpace(rdn))
		}
		inRDN := make(map[catalog.FieldID]bool)
		for i, ava := range avas {
			attr, ok, err := parseAVA(catalog.CategorySubjectDN, ava)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if inRDN[attr.Field.ID] {
				return nil, illegal(attr.Field.Key(), "duplicate attribute in multi-valued RDN")
			}
			inRDN[attr.Field.ID] = true
			attr.MultiValued = i > 0
			n.Attributes = append(n.Attributes, attr)
		}
	}
	return n, nil
}

// ParseAltName parses a subject alternative name string.
func ParseAltName(s string) (*Name, error) {
	return parseFlat(catalog.CategoryAltName, s)
}

// ParseDirectoryAttributes parses a subject directory attributes string.
func ParseDirectoryAttributes(s string) (*Name, error) {
	return parseFlat(catalog.CategoryDirectoryAttribute, s)
}

func parseFlat(c catalog.Category, s string) (*Name, error) {
	n := &Name{Category: c}
	parts, err := split(s, ',')
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		attr, ok, err := parseAVA(c, p)
		if err != nil {
			return nil, err
		}
		if ok {
			n.Attributes = append(n.Attributes, attr)
		}
	}
	return n, nil
}

// parseAVA parses "key=value". Empty values are skipped (ok=false).
func parseAVA(c catalog.Category, s string) (Attribute, bool, error) {
	idx := indexUnescaped(s, '=')
	if idx < 0 {
		return Attribute{}, false, illegal("", "missing '=' in %q", strings.TrimSpace(s))
	}
	key := strings.TrimSpace(s[:idx])
	if key == "" {
		return Attribute{}, false, illegal("", "empty attribute key in %q", strings.TrimSpace(s))
	}
	f, ok := catalog.ByKey(c, key)
	if !ok {
		return Attribute{}, false, &ParseError{Kind: ErrUnsupportedAttribute, Key: key, Message: "not a " + c.String() + " attribute"}
	}
	raw := trimValue(s[idx+1:])
	if strings.HasPrefix(raw, "#") {
		if err := checkDER(raw[1:]); err != nil {
			return Attribute{}, false, illegal(key, "%v", err)
		}
		return Attribute{Field: f, Value: raw}, true, nil
	}
	val, err := unescape(raw)
	if err != nil {
		return Attribute{}, false, illegal(key, "%v", err)
	}
	if val == "" {
		return Attribute{}, false, nil
	}
	return Attribute{Field: f, Value: val}, true, nil
}

// checkDER verifies that h is the hex encoding of exactly one DER value.
func checkDER(h string) error {
	der, err := hex.DecodeString(h)
	if err != nil {
		return fmt.Errorf("invalid hex encoded value: %w", err)
	}
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return fmt.Errorf("invalid DER value: %w", err)
	}
	if len(rest) > 0 {
		return fmt.Errorf("trailing data after DER value")
	}
	return nil
}

// split splits s on sep, honouring backslash escapes and double quotes.
func split(s string, sep byte) ([]string, error) {
	var parts []string
	start := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return nil, illegal("", "trailing escape character")
			}
			i++
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if inQuote {
		return nil, illegal("", "unterminated quoted value")
	}
	return append(parts, s[start:]), nil
}

func indexUnescaped(s string, c byte) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			inQuote = !inQuote
		case c:
			if !inQuote {
				return i
			}
		}
	}
	return -1
}

func unescape(s string) (string, error) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if !strings.ContainsAny(s, "\\\"") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			return "", fmt.Errorf("unexpected quote")
		}
		if ch != '\\' {
			b.WriteByte(ch)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("trailing escape character")
		}
		if i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			v, _ := hex.DecodeString(s[i+1 : i+3])
			b.WriteByte(v[0])
			i += 2
			continue
		}
		b.WriteByte(s[i+1])
		i++
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// trimValue strips surrounding spaces from a raw value, keeping a trailing
// space that is escaped.
func trimValue(s string) string {
	s = strings.TrimLeft(s, " \t")
	trimmed := strings.TrimRight(s, " \t")
	if len(trimmed) == len(s) {
		return trimmed
	}
	n := 0
	for i := len(trimmed) - 1; i >= 0 && trimmed[i] == '\\'; i-- {
		n++
	}
	if n%2 == 1 {
		return s[:len(trimmed)+1]
	}
	return trimmed
}

// escape renders a value so that parsing it returns the same value. A value
// that is a valid '#' hex DER encoding is kept as is.
func escape(v string) string {
	if strings.HasPrefix(v, "#") && checkDER(v[1:]) == nil {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case strings.IndexByte(",+\"\\<>;=", c) >= 0,
			i == 0 && (c == '#' || c == ' '),
			i == len(v)-1 && c == ' ':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Merge returns a name holding every attribute of primary followed by the
// attributes of secondary whose field does not occur in primary.
func Merge(primary, secondary *Name) *Name {
	out := &Name{}
	switch {
	case primary != nil:
		out.Category = primary.Category
	case secondary != nil:
		out.Category = secondary.Category
	}
	if primary != nil {
		out.Attributes = append(out.Attributes, primary.Attributes...)
	}
	present := make(map[catalog.FieldID]bool)
	for _, id := range primary.FieldIDs() {
		present[id] = true
	}
	if secondary != nil {
		for _, a := range secondary.Attributes {
			if !present[a.Field.ID] {
				a.MultiValued = false
				out.Attributes = append(out.Attributes, a)
			}
		}
	}
	return out
}
