package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
)

// Policy returns the number of approvals an action requires on a CA for a
// certificate profile. Zero means the action is not gated.
type Policy interface {
	ApprovalsRequired(action Action, caID, certProfileID int) int
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(action Action, caID, certProfileID int) int

// ApprovalsRequired implements Policy.
func (f PolicyFunc) ApprovalsRequired(action Action, caID, certProfileID int) int {
	return f(action, caID, certProfileID)
}

// Backend stores filed approval requests.
type Backend interface {
	File(ctx context.Context, r *Request) error
}

// Subject describes the operation asking to pass the gate.
type Subject struct {
	Action        Action
	CAID          int
	ProfileID     int
	CertProfileID int
	Username      string
	Requester     string

	// Before and After are snapshot values. Nil values are not encoded.
	Before interface{}
	After  interface{}
}

// Gate decides whether lifecycle operations need approval.
type Gate struct {
	policy  Policy
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger
	enc     cbor.EncMode
}

// NewGate creates a gate. A nil policy gates nothing.
func NewGate(policy Policy, backend Backend, clk clock.Clock, logger *slog.Logger) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("approval: canonical CBOR options: %v", err))
	}
	return &Gate{policy: policy, backend: backend, clock: clk, logger: logger, enc: enc}
}

// ApprovalsRequired returns the number of approvals required for an action.
func (g *Gate) ApprovalsRequired(action Action, caID, certProfileID int) int {
	if g.policy == nil {
		return 0
	}
	if n := g.policy.ApprovalsRequired(action, caID, certProfileID); n > 0 {
		return n
	}
	return 0
}

// Check returns nil when the operation may proceed. When approvals are
// required and ctx carries no allowed bypass token, a request is filed and a
// *WaitingForApprovalError holding its id is returned.
func (g *Gate) Check(ctx context.Context, s Subject) error {
	n := g.ApprovalsRequired(s.Action, s.CAID, s.CertProfileID)
	if n == 0 {
		return nil
	}

	req := &Request{
		ID:                uuid.NewString(),
		Action:            s.Action,
		CAID:              s.CAID,
		ProfileID:         s.ProfileID,
		CertProfileID:     s.CertProfileID,
		Username:          s.Username,
		RequiredApprovals: n,
		Requester:         s.Requester,
		Created:           g.clock.Now().UTC(),
		Status:            StatusPending,
	}
	var err error
	if req.Before, err = g.snapshot(s.Before); err != nil {
		return err
	}
	if req.After, err = g.snapshot(s.After); err != nil {
		return err
	}

	if Bypassed(ctx, s.Action) {
		b, _ := BypassFrom(ctx)
		g.logger.Debug("approval bypassed", "action", s.Action, "username", s.Username, "bypass", b)
		return nil
	}

	if g.backend == nil {
		return fmt.Errorf("%s requires %d approvals but no approval backend is configured", s.Action, n)
	}
	if err := g.backend.File(ctx, req); err != nil {
		return fmt.Errorf("failed to file approval request: %w", err)
	}
	g.logger.Info("approval request filed",
		"request_id", req.ID, "action", s.Action, "username", s.Username, "ca_id", s.CAID, "required", n)
	return &WaitingForApprovalError{RequestID: req.ID, Action: s.Action, Required: n}
}

func (g *Gate) snapshot(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := g.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot decodes a CBOR snapshot taken by the gate.
func DecodeSnapshot(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty approval snapshot")
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode approval snapshot: %w", err)
	}
	return nil
}
