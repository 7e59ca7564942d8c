// Package endentity provides the end entity record managed by the RA.
//
// An end entity is a certificate subject registered under an end entity
// profile:
//   - identity attributes (username, subject DN, alternative name, e-mail)
//   - the CA, certificate profile and token type it is issued with
//   - a status driving what the subject may do next
//   - two counters: remaining issuance requests and remaining login attempts
//
// Records are mutated only by the lifecycle workflow and persisted through a
// Store.
package endentity

import (
	"errors"
	"time"
)

// Status represents the status of an end entity.
type Status string

const (
	// StatusNew indicates the end entity may enroll.
	StatusNew Status = "NEW"

	// StatusFailed indicates the last enrollment failed.
	StatusFailed Status = "FAILED"

	// StatusInitialized indicates a token was initialized for the end entity.
	StatusInitialized Status = "INITIALIZED"

	// StatusInProcess indicates an enrollment is in progress.
	StatusInProcess Status = "INPROCESS"

	// StatusGenerated indicates issuance completed.
	StatusGenerated Status = "GENERATED"

	// StatusRevoked indicates the end entity and its certificates are revoked.
	StatusRevoked Status = "REVOKED"

	// StatusHistorical indicates the end entity is kept for reference only.
	StatusHistorical Status = "HISTORICAL"

	// StatusKeyRecovery indicates a key recovery is pending.
	StatusKeyRecovery Status = "KEYRECOVERY"
)

// Statuses lists every status.
var Statuses = []Status{
	StatusNew, StatusFailed, StatusInitialized, StatusInProcess,
	StatusGenerated, StatusRevoked, StatusHistorical, StatusKeyRecovery,
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Unlimited marks a counter that is not tracked.
const Unlimited = -1

// Sentinel errors for end entity operations.
var (
	// ErrNotFound indicates the end entity does not exist.
	ErrNotFound = errors.New("end entity not found")

	// ErrAlreadyExists indicates an end entity with the same username exists.
	ErrAlreadyExists = errors.New("end entity already exists")

	// ErrAlreadyRevoked indicates the end entity is already revoked.
	ErrAlreadyRevoked = errors.New("end entity already revoked")

	// ErrIllegalTransition indicates a status change that is not an edge of
	// the status graph.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// ExtendedInformation holds optional end entity attributes.
type ExtendedInformation struct {
	// StartTime and EndTime bound certificate validity. Each is empty, an
	// absolute time or a relative "days:hours:minutes" offset.
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`

	// AllowedRequests overrides the profile request counter when > 0.
	AllowedRequests int `json:"allowed_requests,omitempty"`

	// RemainingRequests is the issuance request counter, Unlimited when the
	// profile does not track requests.
	RemainingRequests int `json:"remaining_requests"`

	// MaxLoginAttempts overrides the profile maximum when > 0 on input and
	// holds the effective maximum once stored.
	MaxLoginAttempts       int `json:"max_login_attempts"`
	RemainingLoginAttempts int `json:"remaining_login_attempts"`

	// IssuanceRevocationReason is the revocation reason certificates are
	// issued with; empty or "-1" issues active certificates.
	IssuanceRevocationReason string `json:"issuance_revocation_reason,omitempty"`

	CABFOrganizationIdentifier string `json:"cabf_organization_identifier,omitempty"`

	PSD2NCAName string   `json:"psd2_nca_name,omitempty"`
	PSD2NCAID   string   `json:"psd2_nca_id,omitempty"`
	PSD2Roles   []string `json:"psd2_roles,omitempty"`

	// SSHCriticalOptions holds the SSH certificate critical options keyed by
	// option name (force-command, source-address, verify-required).
	SSHCriticalOptions map[string]string `json:"ssh_critical_options,omitempty"`

	// ExtensionData holds custom certificate extension values keyed by
	// extension name.
	ExtensionData map[string]string `json:"extension_data,omitempty"`

	// AccountBindingID is an external account binding "namespace:id".
	AccountBindingID string `json:"account_binding_id,omitempty"`

	// StagedSerial is a custom certificate serial number for the next issuance.
	StagedSerial string `json:"staged_serial,omitempty"`

	// KeyRecoverySerial is the certificate marked for key recovery.
	KeyRecoverySerial string `json:"key_recovery_serial,omitempty"`
}

// HasPSD2 reports whether any PSD2 attribute is set.
func (ei *ExtendedInformation) HasPSD2() bool {
	return ei.PSD2NCAName != "" || ei.PSD2NCAID != "" || len(ei.PSD2Roles) > 0
}

// Clone returns a deep copy.
func (ei ExtendedInformation) Clone() ExtendedInformation {
	c := ei
	c.PSD2Roles = append([]string(nil), ei.PSD2Roles...)
	if ei.SSHCriticalOptions != nil {
		c.SSHCriticalOptions = make(map[string]string, len(ei.SSHCriticalOptions))
		for k, v := range ei.SSHCriticalOptions {
			c.SSHCriticalOptions[k] = v
		}
	}
	if ei.ExtensionData != nil {
		c.ExtensionData = make(map[string]string, len(ei.ExtensionData))
		for k, v := range ei.ExtensionData {
			c.ExtensionData[k] = v
		}
	}
	return c
}

// EndEntity is both the candidate submitted to the workflow and the
// persisted record.
type EndEntity struct {
	// Username uniquely identifies the end entity.
	Username string `json:"username"`

	// Password is the clear text password supplied with a request. It is
	// never written to the store; see PasswordHash and ClearPassword.
	Password string `json:"-" cbor:"password,omitempty"`

	// PasswordHash is the bcrypt hash of the enrollment password.
	PasswordHash string `json:"password_hash,omitempty"`

	// ClearPassword is set only when ClearTextPassword is enabled.
	ClearPassword     string `json:"clear_password,omitempty"`
	ClearTextPassword bool   `json:"clear_text_password,omitempty"`

	SubjectDN       string `json:"subject_dn"`
	SubjectAltName  string `json:"subject_alt_name,omitempty"`
	SubjectDirAttrs string `json:"subject_dir_attrs,omitempty"`
	Email           string `json:"email,omitempty"`
	CardNumber      string `json:"card_number,omitempty"`

	CAID          int `json:"ca_id"`
	ProfileID     int `json:"profile_id"`
	CertProfileID int `json:"cert_profile_id"`
	TokenType     int `json:"token_type"`

	KeyRecoverable   bool `json:"key_recoverable,omitempty"`
	SendNotification bool `json:"send_notification,omitempty"`

	Status Status `json:"status"`

	Extended ExtendedInformation `json:"extended"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Clone returns a deep copy.
func (e *EndEntity) Clone() *EndEntity {
	c := *e
	c.Extended = e.Extended.Clone()
	return &c
}

// Redacted returns a copy with personal data and secrets removed, for logs
// and audit events of profiles that redact PII.
func (e *EndEntity) Redacted() *EndEntity {
	c := e.Clone()
	c.Password = ""
	c.PasswordHash = ""
	c.ClearPassword = ""
	if c.SubjectDN != "" {
		c.SubjectDN = "<redacted>"
	}
	if c.SubjectAltName != "" {
		c.SubjectAltName = "<redacted>"
	}
	if c.SubjectDirAttrs != "" {
		c.SubjectDirAttrs = "<redacted>"
	}
	if c.Email != "" {
		c.Email = "<redacted>"
	}
	return c
}
