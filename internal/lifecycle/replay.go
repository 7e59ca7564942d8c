package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/remiblancher/qpki-ra/internal/approval"
	"github.com/remiblancher/qpki-ra/internal/endentity"
)

// ExecuteApproved replays an approved request from its snapshot. The
// request is marked executed before the replay, so a request is replayed at
// most once, and is restored to approved when the replay fails. The replay
// carries the approval replay bypass, so it does not file a new request.
func (w *Workflow) ExecuteApproved(ctx context.Context, admin Admin, requests approval.Store, id string) error {
	req, err := requests.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != approval.StatusApproved {
		return fmt.Errorf("%w: %s is %s", approval.ErrNotApproved, req.ID, req.Status)
	}

	req.Status = approval.StatusExecuted
	if err := requests.Update(ctx, req); err != nil {
		return fmt.Errorf("failed to mark approval request %s executed: %w", req.ID, err)
	}

	err = w.replay(approval.WithBypass(ctx, approval.BypassReplay), admin, req)
	if err != nil && !errors.Is(err, ErrNotAudited) {
		req.Status = approval.StatusApproved
		if uerr := requests.Update(ctx, req); uerr != nil {
			w.logger.Error("failed to restore approval request", "request_id", req.ID, "error", uerr)
		}
		return fmt.Errorf("failed to execute approval request %s: %w", req.ID, err)
	}
	w.logger.Info("approval request executed", "request_id", req.ID, "action", req.Action, "username", req.Username)
	return err
}

func (w *Workflow) replay(ctx context.Context, admin Admin, req *approval.Request) error {
	switch req.Action {
	case approval.ActionAdd, approval.ActionChange:
		var e endentity.EndEntity
		if err := approval.DecodeSnapshot(req.After, &e); err != nil {
			return err
		}
		var err error
		if req.Action == approval.ActionAdd {
			_, err = w.Add(ctx, admin, &e)
		} else {
			_, err = w.Change(ctx, admin, &e)
		}
		return err
	case approval.ActionSetStatus:
		var e endentity.EndEntity
		if err := approval.DecodeSnapshot(req.After, &e); err != nil {
			return err
		}
		return w.SetStatus(ctx, admin, e.Username, e.Status)
	case approval.ActionRevoke:
		var r revocationSnapshot
		if err := approval.DecodeSnapshot(req.After, &r); err != nil {
			return err
		}
		return w.Revoke(ctx, admin, r.Username, r.Reason)
	case approval.ActionDelete:
		return w.Delete(ctx, admin, req.Username)
	case approval.ActionKeyRecovery:
		var k keyRecoverySnapshot
		if err := approval.DecodeSnapshot(req.After, &k); err != nil {
			return err
		}
		return w.PrepareForKeyRecovery(ctx, admin, k.Username, k.Serial)
	default:
		return fmt.Errorf("unknown approval action %q", req.Action)
	}
}
