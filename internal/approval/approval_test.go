package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Username string `cbor:"username"`
	Status   int    `cbor:"status"`
}

func twoForAdd() Policy {
	return PolicyFunc(func(action Action, caID, certProfileID int) int {
		if action == ActionAdd && caID == 7 {
			return 2
		}
		return 0
	})
}

// =============================================================================
// Bypass Tests
// =============================================================================

func TestU_Bypassed_AllowList(t *testing.T) {
	ctx := context.Background()
	assert.False(t, Bypassed(ctx, ActionSetStatus))

	tests := []struct {
		bypass Bypass
		action Action
		want   bool
	}{
		{BypassReplay, ActionAdd, true},
		{BypassReplay, ActionDelete, true},
		{BypassRevoke, ActionSetStatus, true},
		{BypassRevoke, ActionAdd, false},
		{BypassCounter, ActionSetStatus, true},
		{BypassCounter, ActionChange, false},
		{BypassKeyRecovery, ActionSetStatus, true},
		{BypassKeyRecovery, ActionKeyRecovery, false},
	}
	for _, tt := range tests {
		t.Run("[Unit] Bypassed: "+string(tt.bypass)+" "+string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.want, Bypassed(WithBypass(ctx, tt.bypass), tt.action))
		})
	}
}

func TestU_WithoutBypass(t *testing.T) {
	ctx := WithBypass(context.Background(), BypassRevoke)
	b, ok := BypassFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, BypassRevoke, b)

	ctx = WithoutBypass(ctx)
	_, ok = BypassFrom(ctx)
	assert.False(t, ok)
	assert.False(t, Bypassed(ctx, ActionSetStatus))

	ctx = WithBypass(ctx, BypassReplay)
	assert.True(t, Bypassed(ctx, ActionAdd), "a new token replaces the cleared one")
}

func TestU_ParseAction(t *testing.T) {
	for _, a := range Actions {
		got, err := ParseAction(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAction("LAUNCH")
	assert.Error(t, err)
}

// =============================================================================
// Gate Tests
// =============================================================================

func TestU_Gate_NotGated(t *testing.T) {
	store := NewMemoryStore()
	g := NewGate(twoForAdd(), store, nil, nil)

	require.NoError(t, g.Check(context.Background(), Subject{Action: ActionAdd, CAID: 3}))
	require.NoError(t, g.Check(context.Background(), Subject{Action: ActionDelete, CAID: 7}))
	require.NoError(t, NewGate(nil, nil, nil, nil).Check(context.Background(), Subject{Action: ActionAdd, CAID: 7}))

	reqs, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestU_Gate_FilesExactlyOneRequest(t *testing.T) {
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	g := NewGate(twoForAdd(), store, fc, nil)
	ctx := context.Background()

	err := g.Check(ctx, Subject{
		Action:    ActionAdd,
		CAID:      7,
		ProfileID: 2,
		Username:  "alice",
		Requester: "operator",
		After:     snapshot{Username: "alice", Status: 10},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWaitingForApproval))
	var wait *WaitingForApprovalError
	require.True(t, errors.As(err, &wait))
	assert.Equal(t, 2, wait.Required)

	reqs, err := store.List(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, wait.RequestID, r.ID)
	assert.Equal(t, ActionAdd, r.Action)
	assert.Equal(t, 2, r.RequiredApprovals)
	assert.Equal(t, "operator", r.Requester)
	assert.Equal(t, fc.Now(), r.Created)
	assert.Empty(t, r.Before)

	var after snapshot
	require.NoError(t, DecodeSnapshot(r.After, &after))
	assert.Equal(t, snapshot{Username: "alice", Status: 10}, after)
}

func TestU_Gate_BypassSkipsFiling(t *testing.T) {
	store := NewMemoryStore()
	g := NewGate(twoForAdd(), store, nil, nil)
	ctx := WithBypass(context.Background(), BypassReplay)

	require.NoError(t, g.Check(ctx, Subject{Action: ActionAdd, CAID: 7, After: snapshot{Username: "alice"}}))

	reqs, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, reqs)

	err = g.Check(WithBypass(context.Background(), BypassCounter), Subject{Action: ActionAdd, CAID: 7})
	assert.True(t, errors.Is(err, ErrWaitingForApproval), "counter token is not allowed for additions")
}

func TestU_Gate_NoBackend(t *testing.T) {
	g := NewGate(twoForAdd(), nil, nil, nil)
	err := g.Check(context.Background(), Subject{Action: ActionAdd, CAID: 7})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrWaitingForApproval))
}

// =============================================================================
// Store Tests
// =============================================================================

func storeImplementations(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(t.TempDir()),
	}
}

func TestU_Store_ApproveFlow(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run("[Unit] Approve: "+name, func(t *testing.T) {
			ctx := context.Background()
			r := &Request{ID: "req-1", Action: ActionAdd, RequiredApprovals: 2, Requester: "operator", Status: StatusPending}
			require.NoError(t, s.File(ctx, r))
			assert.Error(t, s.File(ctx, r), "duplicate id")

			_, err := Approve(ctx, s, "req-1", "operator")
			assert.ErrorIs(t, err, ErrSelfApproval)

			got, err := Approve(ctx, s, "req-1", "admin1")
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)

			got, err = Approve(ctx, s, "req-1", "admin1")
			require.NoError(t, err)
			assert.Len(t, got.Approvers, 1, "approvers count once")

			got, err = Approve(ctx, s, "req-1", "admin2")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, got.Status)

			_, err = Reject(ctx, s, "req-1")
			assert.ErrorIs(t, err, ErrNotPending)

			approved, err := s.List(ctx, StatusApproved)
			require.NoError(t, err)
			require.Len(t, approved, 1)
			assert.Equal(t, []string{"admin1", "admin2"}, approved[0].Approvers)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrRequestNotFound)
		})
	}
}

func TestU_FileStore_MissingDirectory(t *testing.T) {
	s := NewFileStore(t.TempDir() + "/absent")
	reqs, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, reqs)

	_, err = s.Get(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
