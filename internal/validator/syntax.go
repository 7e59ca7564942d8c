package validator

import (
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/text/language"

	"github.com/remiblancher/qpki-ra/internal/catalog"
)

// checkSyntax verifies a parsed value against the syntax of its field.
// Hex encoded DER values were verified by the parser and are not checked.
func checkSyntax(f catalog.Field, val string) error {
	if strings.HasPrefix(val, "#") {
		return nil
	}
	ok := true
	switch f.Syntax {
	case catalog.SyntaxCountry:
		ok = validCountry(val)
	case catalog.SyntaxDate:
		_, err := time.Parse("20060102", val)
		ok = err == nil
	case catalog.SyntaxGender:
		ok = strings.EqualFold(val, "M") || strings.EqualFold(val, "F")
	case catalog.SyntaxIPAddress:
		_, err := netip.ParseAddr(val)
		ok = err == nil
	case catalog.SyntaxDNSName:
		ok = validDNSName(val)
	case catalog.SyntaxEmail:
		ok = validEmail(val)
	}
	if !ok {
		return Reject(ReasonInvalidFieldFormat, f.Name, "invalid value %q", val)
	}
	return nil
}

// validCountry accepts ISO 3166-1 alpha-2 country codes.
func validCountry(s string) bool {
	if len(s) != 2 {
		return false
	}
	r, err := language.ParseRegion(s)
	if err != nil {
		return false
	}
	return r.IsCountry() && r.String() == strings.ToUpper(s)
}

// validDNSName accepts host names, internationalized names and a leading
// wildcard label.
func validDNSName(s string) bool {
	s = strings.TrimPrefix(s, "*.")
	if s == "" || len(s) > 253 {
		return false
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(ascii, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
	}
	return true
}

// validEmail accepts local@domain with a valid DNS domain.
func validEmail(s string) bool {
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" || strings.ContainsAny(local, " \t\r\n") || strings.Contains(domain, "@") {
		return false
	}
	return validDNSName(domain) && !strings.HasPrefix(domain, "*.")
}
