package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/remiblancher/qpki-ra/internal/profile"
)

func TestU_ApplyDerivedValues_CopyFromCommonName(t *testing.T) {
	v := New(nil)
	p := profile.NewDefault("copy")
	i := p.AddField("DNSNAME")
	p.SetRequired("DNSNAME", i, true)
	p.SetCopyFromRelated("DNSNAME", i, true)

	e := newEntity("CN=www.example.com", "")
	requireReason(t, v.Validate(e, p, true), ReasonMissingRequiredField)

	ApplyDerivedValues(e, p)
	assert.Equal(t, "DNSNAME=www.example.com", e.SubjectAltName)
	assert.NoError(t, v.Validate(e, p, true))

	ApplyDerivedValues(e, p)
	assert.Equal(t, "DNSNAME=www.example.com", e.SubjectAltName, "derivation is idempotent")

	e.SubjectAltName = "DNSNAME=other.example.com"
	requireReason(t, v.Validate(e, p, true), ReasonNoMatchingField)
}

func TestU_ApplyDerivedValues_UPNWithDomain(t *testing.T) {
	p := profile.NewDefault("upn")
	i := p.AddField("UPN")
	p.SetValue("UPN", i, "corp.example")
	p.SetCopyFromRelated("UPN", i, true)

	e := newEntity("CN=alice", "")
	ApplyDerivedValues(e, p)
	assert.Equal(t, "UPN=alice@corp.example", e.SubjectAltName)
	assert.NoError(t, New(nil).Validate(e, p, true))
}

func TestU_ApplyDerivedValues_EmailBound(t *testing.T) {
	p := profile.NewDefault("email")
	p.SetUse("DNEMAIL", p.AddField("DNEMAIL"), true)
	p.SetUse("RFC822NAME", p.AddField("RFC822NAME"), true)

	e := newEntity("CN=Alice", "")
	e.Email = "alice@example.com"
	ApplyDerivedValues(e, p)

	assert.Equal(t, "CN=Alice,E=alice@example.com", e.SubjectDN)
	assert.Equal(t, "RFC822NAME=alice@example.com", e.SubjectAltName)
	assert.NoError(t, New(nil).Validate(e, p, true))
}

func TestU_ApplyDerivedValues_LeavesUnusedFields(t *testing.T) {
	p := profile.NewDefault("plain")
	p.AddField("DNEMAIL")

	e := newEntity("CN=Alice", "")
	e.Email = "alice@example.com"
	ApplyDerivedValues(e, p)

	assert.Equal(t, "CN=Alice", e.SubjectDN)
	assert.Empty(t, e.SubjectAltName)
}
