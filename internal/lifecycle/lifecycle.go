// Package lifecycle implements the end entity workflow of the RA: add,
// change, status changes, revocation, deletion, passwords, counters and key
// recovery.
//
// Every operation authorizes the administrator, validates against the end
// entity profile, passes the approval gate and persists the record. Collaborators
// outside the RA core (authorization, CAs, revocation, key recovery,
// notifications, printing) are injected as small interfaces.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/remiblancher/qpki-ra/internal/approval"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// Admin is the identity performing an operation.
type Admin struct {
	Name string

	// Trusted marks integration paths (protocol front ends) allowed to merge
	// a partial subject DN into the stored one.
	Trusted bool
}

// Authorizer decides whether an identity may access a resource.
type Authorizer interface {
	IsAuthorized(ctx context.Context, admin Admin, resource string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, admin Admin, resource string) bool

// IsAuthorized implements Authorizer.
func (f AuthorizerFunc) IsAuthorized(ctx context.Context, admin Admin, resource string) bool {
	return f(ctx, admin, resource)
}

// AllowAll authorizes every access.
var AllowAll = AuthorizerFunc(func(context.Context, Admin, string) bool { return true })

// Resources checked by the workflow.
const (
	AccessCreate      = "create_end_entity"
	AccessEdit        = "edit_end_entity"
	AccessDelete      = "delete_end_entity"
	AccessRevoke      = "revoke_end_entity"
	AccessView        = "view_end_entity"
	AccessKeyRecovery = "keyrecovery"
)

// CAResource returns the access rule of a CA.
func CAResource(caID int) string {
	return "/ca/" + strconv.Itoa(caID)
}

// ProfileResource returns the access rule of an action on end entities of
// a profile.
func ProfileResource(profileID int, access string) string {
	return fmt.Sprintf("/endentityprofilesrules/%d/%s", profileID, access)
}

// Certificate is a certificate issued to an end entity.
type Certificate struct {
	Serial           string
	Issuer           string
	Revoked          bool
	RevocationReason int
}

// Revocation reasons used by the workflow (RFC 5280).
const (
	ReasonUnspecified     = 0
	ReasonCertificateHold = 6
	ReasonRemoveFromCRL   = 8
)

// RevocationBackend revokes the certificates of end entities.
type RevocationBackend interface {
	// Certificates lists the certificates issued to username.
	Certificates(ctx context.Context, username string) ([]Certificate, error)

	// Revoke sets the revocation status of one certificate. Reason
	// ReasonRemoveFromCRL reinstates a certificate on hold.
	Revoke(ctx context.Context, serial, issuer string, reason int) error
}

// KeyRecoveryBackend marks certificates whose keys may be recovered.
type KeyRecoveryBackend interface {
	// Mark marks a certificate of username for key recovery and returns its
	// serial. An empty serial selects the newest certificate.
	Mark(ctx context.Context, username, serial string) (string, error)

	// Unmark clears any key recovery mark of username.
	Unmark(ctx context.Context, username string) error
}

// Message is a notification ready to send.
type Message struct {
	Recipients []string
	Sender     string
	Subject    string
	Body       string
}

// Notifier sends notifications.
type Notifier interface {
	Send(ctx context.Context, m Message) error
}

// RecipientResolver resolves "CUSTOM:<name>" notification recipients.
type RecipientResolver interface {
	Recipients(ctx context.Context, e *endentity.EndEntity) ([]string, error)
}

// Printer prints user data on status changes.
type Printer interface {
	Print(ctx context.Context, e *endentity.EndEntity, p profile.Printing) error
}

// ErrAuthorizationDenied is matched by every AuthorizationDeniedError.
var ErrAuthorizationDenied = errors.New("authorization denied")

// AuthorizationDeniedError reports the resource an administrator may not
// access.
type AuthorizationDeniedError struct {
	Admin    string
	Resource string
}

// Error implements the error interface.
func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("%v: %s is not authorized to %s", ErrAuthorizationDenied, e.Admin, e.Resource)
}

// Unwrap returns ErrAuthorizationDenied.
func (e *AuthorizationDeniedError) Unwrap() error { return ErrAuthorizationDenied }

// ErrInfrastructure is matched by every InfrastructureError.
var ErrInfrastructure = errors.New("infrastructure failure")

// InfrastructureError wraps a collaborator failure such as persistence.
type InfrastructureError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *InfrastructureError) Unwrap() error { return e.Err }

// Is matches ErrInfrastructure.
func (e *InfrastructureError) Is(target error) bool { return target == ErrInfrastructure }

func infra(op string, err error) error {
	return &InfrastructureError{Op: op, Err: err}
}

// ErrNotRevoked indicates an unhold of an end entity that is not revoked.
var ErrNotRevoked = errors.New("end entity is not revoked")

// ErrNotAudited is matched by the InfrastructureError returned when a change
// was committed but its audit event could not be written. The change took
// effect and must not be retried.
var ErrNotAudited = errors.New("change committed but not audited")

// ErrAuthentication indicates a wrong password or a status that may not
// enroll.
var ErrAuthentication = errors.New("authentication failed")

// subject returns the approval subject of an operation on e.
func subject(action approval.Action, admin Admin, e *endentity.EndEntity) approval.Subject {
	return approval.Subject{
		Action:        action,
		CAID:          e.CAID,
		ProfileID:     e.ProfileID,
		CertProfileID: e.CertProfileID,
		Username:      e.Username,
		Requester:     admin.Name,
	}
}
