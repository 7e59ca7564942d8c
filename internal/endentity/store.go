package endentity

import (
	"context"
	"strings"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/dn"
)

// Store manages end entity persistence.
type Store interface {
	// Create saves a new end entity. It fails with ErrAlreadyExists when the
	// username is taken.
	Create(ctx context.Context, e *EndEntity) error

	// Get loads an end entity by username.
	Get(ctx context.Context, username string) (*EndEntity, error)

	// Update replaces an existing end entity.
	Update(ctx context.Context, e *EndEntity) error

	// Delete removes an end entity.
	Delete(ctx context.Context, username string) error

	// List returns the end entities matching filter, ordered by username.
	List(ctx context.Context, filter Filter) ([]*EndEntity, error)

	// FindBySerialNumber returns the usernames of end entities issued by caID
	// whose subject DN serial number equals serial.
	FindBySerialNumber(ctx context.Context, caID int, serial string) ([]string, error)
}

// Filter selects end entities in List. Zero fields match everything.
type Filter struct {
	CAID      int
	ProfileID int
	Status    Status
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *EndEntity) bool {
	if f.CAID != 0 && e.CAID != f.CAID {
		return false
	}
	if f.ProfileID != 0 && e.ProfileID != f.ProfileID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// SerialNumberOf extracts the serial number component of a subject DN, or ""
// when there is none or the DN does not parse.
func SerialNumberOf(subjectDN string) string {
	n, err := dn.ParseSubjectDN(subjectDN, dn.ParseOptions{AllowMultiValueRDN: true})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(n.First(catalog.SerialNumber))
}
