package dn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/qpki-ra/internal/catalog"
)

func TestU_ParseSubjectDN(t *testing.T) {
	n, err := ParseSubjectDN("CN=Alice Smith, O=Example\\, Inc., OU=Eng, OU=PKI, C=SE", ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Alice Smith"}, n.Values(catalog.CommonName))
	assert.Equal(t, "Example, Inc.", n.First(catalog.Organization))
	assert.Equal(t, []string{"Eng", "PKI"}, n.Values(catalog.OrganizationalUnit))
	assert.Equal(t, 2, n.Count(catalog.OrganizationalUnit))
	assert.Equal(t, []catalog.FieldID{catalog.CommonName, catalog.Organization, catalog.OrganizationalUnit, catalog.Country}, n.FieldIDs())
}

func TestU_ParseSubjectDN_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		opts ParseOptions
		kind error
	}{
		{"[Unit] ParseSubjectDN: missing equals", "CN=a,Oexample", ParseOptions{}, ErrIllegalStructure},
		{"[Unit] ParseSubjectDN: empty key", "=value", ParseOptions{}, ErrIllegalStructure},
		{"[Unit] ParseSubjectDN: unknown key", "FOO=bar", ParseOptions{}, ErrUnsupportedAttribute},
		{"[Unit] ParseSubjectDN: multi value disallowed", "CN=a+SN=1", ParseOptions{}, ErrIllegalStructure},
		{"[Unit] ParseSubjectDN: duplicate in RDN", "CN=a+CN=b", ParseOptions{AllowMultiValueRDN: true}, ErrIllegalStructure},
		{"[Unit] ParseSubjectDN: unterminated quote", "CN=\"abc", ParseOptions{}, ErrIllegalStructure},
		{"[Unit] ParseSubjectDN: trailing escape", "CN=abc\\", ParseOptions{}, ErrIllegalStructure},
		{"[Unit] ParseSubjectDN: bad DER", "CN=#zz", ParseOptions{}, ErrIllegalStructure},
		{"[Unit] ParseSubjectDN: DER trailing data", "CN=#0c01410000", ParseOptions{}, ErrIllegalStructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubjectDN(tt.in, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestU_ParseSubjectDN_MultiValueAllowed(t *testing.T) {
	n, err := ParseSubjectDN("CN=a+SN=1,O=x", ParseOptions{AllowMultiValueRDN: true})
	require.NoError(t, err)
	require.Equal(t, 3, n.Len())
	assert.False(t, n.Attributes[0].MultiValued)
	assert.True(t, n.Attributes[1].MultiValued)
	assert.Equal(t, "CN=a+SN=1,O=x", n.String())
}

func TestU_ParseSubjectDN_DERAndEmptyValues(t *testing.T) {
	// #0c0141 is UTF8String "A".
	n, err := ParseSubjectDN("CN=#0c0141,O=,OU=x", ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, "#0c0141", n.First(catalog.CommonName))
	assert.Equal(t, 0, n.Count(catalog.Organization))
	assert.Equal(t, "CN=#0c0141,OU=x", n.String())
}

func TestU_ParseSubjectDN_EscapedRoundTrip(t *testing.T) {
	n, err := ParseSubjectDN("CN=\\#foo,O=\\ Acme\\ ,OU=a\\, b", ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, "#foo", n.First(catalog.CommonName))
	assert.Equal(t, " Acme ", n.First(catalog.Organization))
	assert.Equal(t, "a, b", n.First(catalog.OrganizationalUnit))

	rendered := n.String()
	assert.Equal(t, "CN=\\#foo,O=\\ Acme\\ ,OU=a\\, b", rendered)

	again, err := ParseSubjectDN(rendered, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, n.Attributes, again.Attributes)
}

func TestU_ParseAltName(t *testing.T) {
	n, err := ParseAltName("dNSName=a.example.com, dnsname=b.example.com, rfc822Name=alice@example.com, directoryName=CN=x\\,O=y")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, n.Values(catalog.DNSName))
	assert.Equal(t, "alice@example.com", n.First(catalog.RFC822Name))
	assert.Equal(t, "CN=x,O=y", n.First(catalog.DirectoryName))

	_, err = ParseAltName("CN=foo")
	assert.ErrorIs(t, err, ErrUnsupportedAttribute)
}

func TestU_ParseDirectoryAttributes(t *testing.T) {
	n, err := ParseDirectoryAttributes("dateOfBirth=19700101, gender=F, countryOfCitizenship=SE")
	require.NoError(t, err)
	assert.Equal(t, "19700101", n.First(catalog.DateOfBirth))
	assert.Equal(t, "F", n.First(catalog.Gender))
	assert.Equal(t, "SE", n.First(catalog.CountryOfCitizenship))
}

func TestU_ParseEmpty(t *testing.T) {
	n, err := ParseSubjectDN("", ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, n.Len())
	assert.Equal(t, "", n.String())
}

func TestU_Merge(t *testing.T) {
	primary, err := ParseSubjectDN("CN=new,OU=a", ParseOptions{})
	require.NoError(t, err)
	stored, err := ParseSubjectDN("CN=old,O=Example,OU=b,C=SE", ParseOptions{})
	require.NoError(t, err)

	merged := Merge(primary, stored)
	assert.Equal(t, "CN=new,OU=a,O=Example,C=SE", merged.String())
}
