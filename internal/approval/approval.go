// Package approval implements the N-of-M approval gate in front of lifecycle
// operations.
//
// A gated operation asks the Gate whether it may proceed. When the CA
// requires approvals for the action, the gate files a Request holding CBOR
// snapshots of the end entity before and after the change and returns a
// *WaitingForApprovalError. Once approved, the request is replayed by the
// caller with a bypass token in the context so the replay is not filed again.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action identifies a gated lifecycle operation.
type Action string

const (
	ActionAdd         Action = "ADD_END_ENTITY"
	ActionChange      Action = "EDIT_END_ENTITY"
	ActionSetStatus   Action = "CHANGE_STATUS"
	ActionRevoke      Action = "REVOKE_END_ENTITY"
	ActionDelete      Action = "DELETE_END_ENTITY"
	ActionKeyRecovery Action = "KEY_RECOVERY"
)

// Actions lists every gated action.
var Actions = []Action{ActionAdd, ActionChange, ActionSetStatus, ActionRevoke, ActionDelete, ActionKeyRecovery}

// ParseAction returns the action with the given name.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown approval action %q", s)
}

// Status is the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

// Request is a filed approval request.
type Request struct {
	ID                string    `json:"id"`
	Action            Action    `json:"action"`
	CAID              int       `json:"ca_id"`
	ProfileID         int       `json:"profile_id"`
	CertProfileID     int       `json:"cert_profile_id"`
	Username          string    `json:"username"`
	RequiredApprovals int       `json:"required_approvals"`
	Requester         string    `json:"requester"`
	Created           time.Time `json:"created"`

	// Before and After are CBOR encoded snapshots of the target. Before is
	// empty for additions.
	Before []byte `json:"before,omitempty"`
	After  []byte `json:"after,omitempty"`

	Status    Status   `json:"status"`
	Approvers []string `json:"approvers,omitempty"`
}

// Approved reports whether enough distinct approvers signed off.
func (r *Request) Approved() bool {
	return len(r.Approvers) >= r.RequiredApprovals
}

// ErrWaitingForApproval is matched by every WaitingForApprovalError.
var ErrWaitingForApproval = errors.New("waiting for approval")

// WaitingForApprovalError signals that an operation was deferred until its
// approval request is approved. It is control flow, not a failure.
type WaitingForApprovalError struct {
	RequestID string
	Action    Action
	Required  int
}

// Error implements the error interface.
func (e *WaitingForApprovalError) Error() string {
	return fmt.Sprintf("%s: request %s needs %d approvals", e.Action, e.RequestID, e.Required)
}

// Unwrap returns ErrWaitingForApproval.
func (e *WaitingForApprovalError) Unwrap() error { return ErrWaitingForApproval }

// Sentinel errors for approval request handling.
var (
	ErrRequestNotFound = errors.New("approval request not found")
	ErrNotPending      = errors.New("approval request is not pending")
	ErrNotApproved     = errors.New("approval request is not approved")
	ErrSelfApproval    = errors.New("requester cannot approve own request")
)

// Bypass names an internal call path that may skip approval filing.
type Bypass string

const (
	// BypassReplay is carried by the replay of an approved request.
	BypassReplay Bypass = "approval-replay"

	// BypassRevoke is carried by the status change performed by revoke,
	// which was itself gated.
	BypassRevoke Bypass = "revoke"

	// BypassCounter is carried by status changes triggered by exhausted
	// request or login counters.
	BypassCounter Bypass = "counter"

	// BypassKeyRecovery is carried by the status change performed by a
	// gated key recovery preparation.
	BypassKeyRecovery Bypass = "key-recovery"
)

// allowedBypasses is the fixed allow-list of bypass tokens per action.
var allowedBypasses = map[Action][]Bypass{
	ActionAdd:         {BypassReplay},
	ActionChange:      {BypassReplay},
	ActionSetStatus:   {BypassReplay, BypassRevoke, BypassCounter, BypassKeyRecovery},
	ActionRevoke:      {BypassReplay},
	ActionDelete:      {BypassReplay},
	ActionKeyRecovery: {BypassReplay},
}

type bypassKey struct{}

// WithBypass returns a context carrying a bypass token. It replaces any token
// already present.
func WithBypass(ctx context.Context, b Bypass) context.Context {
	return context.WithValue(ctx, bypassKey{}, b)
}

// WithoutBypass returns a context without a bypass token.
func WithoutBypass(ctx context.Context) context.Context {
	if _, ok := BypassFrom(ctx); !ok {
		return ctx
	}
	return context.WithValue(ctx, bypassKey{}, Bypass(""))
}

// BypassFrom returns the bypass token carried by ctx.
func BypassFrom(ctx context.Context) (Bypass, bool) {
	b, ok := ctx.Value(bypassKey{}).(Bypass)
	return b, ok && b != ""
}

// Bypassed reports whether ctx carries a token allowed to skip filing for
// the action.
func Bypassed(ctx context.Context, action Action) bool {
	b, ok := BypassFrom(ctx)
	if !ok {
		return false
	}
	for _, allowed := range allowedBypasses[action] {
		if allowed == b {
			return true
		}
	}
	return false
}
