package lifecycle

import (
	"github.com/remiblancher/qpki-ra/internal/approval"
)

// CAInfo describes a CA as seen by the RA.
type CAInfo struct {
	ID   int
	Name string

	// UniqueSerialNumbers rejects subject DN serial numbers already used by
	// another end entity of the CA.
	UniqueSerialNumbers bool

	// Approvals maps gated actions to the number of approvals they require.
	Approvals map[approval.Action]int
}

// CARegistry looks up CAs by id.
type CARegistry interface {
	CA(id int) (CAInfo, bool)
}

// CAMap is a static CARegistry.
type CAMap map[int]CAInfo

// NewCAMap indexes CAs by id.
func NewCAMap(cas ...CAInfo) CAMap {
	m := make(CAMap, len(cas))
	for _, ca := range cas {
		m[ca.ID] = ca
	}
	return m
}

// CA implements CARegistry.
func (m CAMap) CA(id int) (CAInfo, bool) {
	ca, ok := m[id]
	return ca, ok
}

// ApprovalPolicy returns the approval policy configured on the CAs of reg.
// Unknown CAs gate nothing.
func ApprovalPolicy(reg CARegistry) approval.Policy {
	return approval.PolicyFunc(func(action approval.Action, caID, _ int) int {
		ca, ok := reg.CA(caID)
		if !ok {
			return 0
		}
		return ca.Approvals[action]
	})
}
