package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/qpki-ra/internal/catalog"
)

func TestU_Upgrade_LegacyProfile(t *testing.T) {
	p, err := LoadProfileFromBytes([]byte(`
name: legacy
fields:
  COMMONNAME:
    - {value: "", use: true, required: true, modifiable: true}
  ORGANIZATION:
    - {value: "Example", use: true, required: false, modifiable: false}
`), nil)
	require.NoError(t, err)

	assert.Equal(t, LatestVersion, p.Version)
	for _, id := range []catalog.FieldID{
		catalog.Username, catalog.Password, catalog.Email,
		catalog.AvailableCAs, catalog.KeyRecoverable, catalog.AllowedRequests,
		catalog.PSD2QCStatement,
	} {
		assert.Equal(t, 1, p.Count(id), "field %d should be added by upgrade", id)
	}
	assert.Equal(t, []FieldRef{
		{Field: catalog.CommonName, Index: 0},
		{Field: catalog.Organization, Index: 0},
	}, p.SubjectDNOrder())
	assert.Equal(t, catalog.PwgenLettersAndDigits, p.PasswordGenerator)
	assert.Equal(t, 8, p.PasswordLength)
	assert.Equal(t, "1", p.Value("ALLOWEDREQUESTS", 0))
	assert.False(t, p.Use("ALLOWEDREQUESTS", 0))
}

func TestU_Upgrade_IdempotentOnceCurrent(t *testing.T) {
	p := &Profile{Name: "bare"}

	assert.True(t, p.Upgrade())
	before, err := p.Marshal()
	require.NoError(t, err)

	assert.False(t, p.Upgrade())
	after, err := p.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestU_Upgrade_KeepsExistingValues(t *testing.T) {
	p, err := LoadProfileFromBytes([]byte(`
name: legacy
version: 3
fields:
  AVAILCAS:
    - {value: "5;6", use: true, required: false, modifiable: true}
`), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{5, 6}, p.AvailableCAs())
	// v1 migration already ran for this profile.
	assert.Zero(t, p.Count(catalog.Username))
	assert.Equal(t, 1, p.Count(catalog.MaxFailedLogins))
}

func TestU_Upgrade_PrunesDanglingOrderRefs(t *testing.T) {
	p := NewDefault("default")
	p.Version = 5
	p.subjectDNOrder = append(p.subjectDNOrder,
		FieldRef{Field: catalog.CommonName, Index: 0},
		FieldRef{Field: catalog.CommonName, Index: 4},
		FieldRef{Field: catalog.DNSName, Index: 0},
	)

	require.True(t, p.Upgrade())
	assert.Equal(t, []FieldRef{{Field: catalog.CommonName, Index: 0}}, p.SubjectDNOrder())
}

func TestU_Upgrade_AddsMissingOrderRefs(t *testing.T) {
	p := NewDefault("default")
	p.fields[catalog.Organization] = []*FieldInstance{{Use: true, Modifiable: true}}
	p.Version = 5

	require.True(t, p.Upgrade())
	assert.Contains(t, p.SubjectDNOrder(), FieldRef{Field: catalog.Organization, Index: 0})
}
