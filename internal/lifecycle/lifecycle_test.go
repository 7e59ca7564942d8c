package lifecycle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/remiblancher/qpki-ra/internal/approval"
	"github.com/remiblancher/qpki-ra/internal/audit"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/metrics"
	"github.com/remiblancher/qpki-ra/internal/profile"
	"github.com/remiblancher/qpki-ra/internal/validator"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRevocation struct {
	mu    sync.Mutex
	certs map[string][]Certificate
	calls []string
}

func (f *fakeRevocation) Certificates(_ context.Context, username string) ([]Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Certificate(nil), f.certs[username]...), nil
}

func (f *fakeRevocation) Revoke(_ context.Context, serial, _ string, reason int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, serial)
	for user, certs := range f.certs {
		for i := range certs {
			if certs[i].Serial != serial {
				continue
			}
			if reason == ReasonRemoveFromCRL {
				certs[i].Revoked, certs[i].RevocationReason = false, 0
			} else {
				certs[i].Revoked, certs[i].RevocationReason = true, reason
			}
			f.certs[user] = certs
		}
	}
	return nil
}

type fakeKeyRecovery struct {
	marked   map[string]string
	unmarked []string
}

func (f *fakeKeyRecovery) Mark(_ context.Context, username, serial string) (string, error) {
	if serial == "" {
		serial = "0A"
	}
	if f.marked == nil {
		f.marked = make(map[string]string)
	}
	f.marked[username] = serial
	return serial, nil
}

func (f *fakeKeyRecovery) Unmark(_ context.Context, username string) error {
	delete(f.marked, username)
	f.unmarked = append(f.unmarked, username)
	return nil
}

type fakeNotifier struct {
	messages []Message
	err      error
}

func (f *fakeNotifier) Send(_ context.Context, m Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, m)
	return nil
}

type fakePrinter struct{ printed []endentity.Status }

func (f *fakePrinter) Print(_ context.Context, e *endentity.EndEntity, _ profile.Printing) error {
	f.printed = append(f.printed, e.Status)
	return nil
}

type staticResolver []string

func (r staticResolver) Recipients(context.Context, *endentity.EndEntity) ([]string, error) {
	return r, nil
}

// =============================================================================
// Fixture
// =============================================================================

const testCA = 5

var (
	operator = Admin{Name: "operator"}
	trusted  = Admin{Name: "scep", Trusted: true}
)

type fixture struct {
	w         *Workflow
	store     endentity.Store
	profiles  *profile.Registry
	profileID int
	approvals *approval.MemoryStore
	revoker   *fakeRevocation
	recovery  *fakeKeyRecovery
	notifier  *fakeNotifier
	printer   *fakePrinter
	metrics   *metrics.Metrics
	audit     *bytes.Buffer
	clock     clock.FakeClock
}

// counterProfile tracks one issuance request and three login attempts.
func counterProfile() *profile.Profile {
	p := profile.NewDefault("USER")
	p.SetUse("ALLOWEDREQUESTS", 0, true)
	p.SetValue("ALLOWEDREQUESTS", 0, "1")
	p.SetUse("MAXFAILEDLOGINS", 0, true)
	p.SetValue("MAXFAILEDLOGINS", 0, "3")
	return p
}

func newFixture(t *testing.T, p *profile.Profile, ca CAInfo, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:     endentity.NewFileStore(t.TempDir()),
		profiles:  profile.NewRegistry(profile.NewMemoryStore(), nil),
		approvals: approval.NewMemoryStore(),
		revoker:   &fakeRevocation{certs: make(map[string][]Certificate)},
		recovery:  &fakeKeyRecovery{},
		notifier:  &fakeNotifier{},
		printer:   &fakePrinter{},
		metrics:   metrics.New(false),
		audit:     &bytes.Buffer{},
		clock:     clock.NewFake(),
	}
	f.clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	id, err := f.profiles.Add(ctx, p)
	require.NoError(t, err)
	f.profileID = id

	ca.ID = testCA
	cas := NewCAMap(ca)
	base := []Option{
		WithCAs(cas),
		WithGate(approval.NewGate(ApprovalPolicy(cas), f.approvals, f.clock, nil)),
		WithRevocation(f.revoker),
		WithKeyRecovery(f.recovery),
		WithNotifier(f.notifier),
		WithPrinter(f.printer),
		WithAudit(audit.NewStreamWriter(f.audit)),
		WithMetrics(f.metrics),
		WithClock(f.clock),
		WithBcryptCost(bcrypt.MinCost),
	}
	f.w = New(f.store, f.profiles, validator.New(nil, validator.WithClock(f.clock)), append(base, opts...)...)
	return f
}

func (f *fixture) candidate(username, subjectDN string) *endentity.EndEntity {
	return &endentity.EndEntity{
		Username:  username,
		Password:  "foo123",
		SubjectDN: subjectDN,
		CAID:      testCA,
		ProfileID: f.profileID,
	}
}

func (f *fixture) mustAdd(t *testing.T, username, subjectDN string) *endentity.EndEntity {
	t.Helper()
	e, err := f.w.Add(context.Background(), operator, f.candidate(username, subjectDN))
	require.NoError(t, err)
	return e
}

func (f *fixture) get(t *testing.T, username string) *endentity.EndEntity {
	t.Helper()
	e, err := f.store.Get(context.Background(), username)
	require.NoError(t, err)
	return e
}

// events verifies the audit chain and returns the event types in order.
func (f *fixture) events(t *testing.T) []audit.EventType {
	t.Helper()
	_, err := audit.VerifyChain(bytes.NewReader(f.audit.Bytes()))
	require.NoError(t, err)

	var out []audit.EventType
	sc := bufio.NewScanner(bytes.NewReader(f.audit.Bytes()))
	for sc.Scan() {
		var ev audit.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev.EventType)
	}
	return out
}

func requireReason(t *testing.T, err error, want validator.Reason) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, validator.ErrProfileValidation), "expected a validation error, got %v", err)
	got, _ := validator.ReasonOf(err)
	assert.Equal(t, want, got)
}

// =============================================================================
// Add / Change Tests
// =============================================================================

func TestU_Workflow_Add(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	ctx := context.Background()

	out := f.mustAdd(t, "alice", "CN=Alice")
	assert.Empty(t, out.Password, "manual password must not be echoed")

	e := f.get(t, "alice")
	assert.Equal(t, endentity.StatusNew, e.Status)
	assert.Equal(t, 1, e.Extended.RemainingRequests)
	assert.Equal(t, 3, e.Extended.MaxLoginAttempts)
	assert.Equal(t, 3, e.Extended.RemainingLoginAttempts)
	assert.Equal(t, 1, e.CertProfileID, "default certificate profile")
	assert.Equal(t, 1, e.TokenType, "default token type")
	assert.Empty(t, e.ClearPassword)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(e.PasswordHash), []byte("foo123")))
	assert.Equal(t, f.clock.Now().UTC(), e.Created)

	_, err := f.w.Add(ctx, operator, f.candidate("alice", "CN=Alice"))
	assert.ErrorIs(t, err, endentity.ErrAlreadyExists)

	assert.Equal(t, []audit.EventType{audit.EventEndEntityAdded}, f.events(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("add", metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("add", metrics.OutcomeError)))
}

func TestU_Workflow_AddRejected(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})

	_, err := f.w.Add(context.Background(), operator, f.candidate("alice", "CN=Alice,O=Acme"))
	requireReason(t, err, validator.ReasonNoMatchingField)

	_, err = f.w.Add(context.Background(), operator, f.candidate("alice", ""))
	requireReason(t, err, validator.ReasonMissingRequiredField)

	_, err = f.store.Get(context.Background(), "alice")
	assert.ErrorIs(t, err, endentity.ErrNotFound)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("add", metrics.OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectionsTotal.WithLabelValues(string(validator.ReasonMissingRequiredField))))
}

func TestU_Workflow_AddUnknownCA(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	c := f.candidate("alice", "CN=Alice")
	c.CAID = 9

	_, err := f.w.Add(context.Background(), operator, c)
	requireReason(t, err, validator.ReasonNotAllowed)
}

func TestU_Workflow_AddGeneratesPassword(t *testing.T) {
	p := counterProfile()
	p.AutoGeneratedPassword = true
	p.PasswordLength = 12
	f := newFixture(t, p, CAInfo{})

	c := f.candidate("alice", "CN=Alice")
	c.Password = ""
	out, err := f.w.Add(context.Background(), operator, c)
	require.NoError(t, err)
	require.Len(t, out.Password, 12)

	require.NoError(t, f.w.Authenticate(context.Background(), "alice", out.Password))
}

func TestU_Workflow_AddGeneratesUsername(t *testing.T) {
	p := counterProfile()
	p.SetUse("USERNAME", 0, false)
	p.SetRequired("USERNAME", 0, false)
	f := newFixture(t, p, CAInfo{})

	out, err := f.w.Add(context.Background(), operator, f.candidate("", "CN=Alice"))
	require.NoError(t, err)
	assert.Len(t, out.Username, generatedUsernameLength)
	assert.Equal(t, "CN=Alice", f.get(t, out.Username).SubjectDN)
}

func TestU_Workflow_AuthorizationDenied(t *testing.T) {
	deny := AuthorizerFunc(func(_ context.Context, _ Admin, resource string) bool {
		return resource != CAResource(testCA)
	})
	f := newFixture(t, counterProfile(), CAInfo{}, WithAuthorizer(deny))

	_, err := f.w.Add(context.Background(), operator, f.candidate("alice", "CN=Alice"))
	require.ErrorIs(t, err, ErrAuthorizationDenied)
	var denied *AuthorizationDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "/ca/5", denied.Resource)
	assert.Equal(t, "operator", denied.Admin)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("add", metrics.OutcomeDenied)))
}

func TestU_Workflow_ChangeMergesDNForTrustedPath(t *testing.T) {
	p := counterProfile()
	p.AddField("ORGANIZATION")
	p.AllowMergeDN = true
	f := newFixture(t, p, CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice,O=Acme")

	c := f.candidate("alice", "CN=Alice Jones")
	c.Password = ""
	_, err := f.w.Change(ctx, trusted, c)
	require.NoError(t, err)

	e := f.get(t, "alice")
	assert.Equal(t, "CN=Alice Jones,O=Acme", e.SubjectDN)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(e.PasswordHash), []byte("foo123")),
		"password hash survives a change without password")

	c.SubjectDN = "CN=Alice Smith"
	_, err = f.w.Change(ctx, operator, c)
	require.NoError(t, err)
	assert.Equal(t, "CN=Alice Smith", f.get(t, "alice").SubjectDN, "untrusted changes replace the DN")
}

func TestU_Workflow_ChangeNotifiesOnlyOnStatusChange(t *testing.T) {
	p := counterProfile()
	p.Notifications = []profile.Notification{{Events: []string{"NEW", "INPROCESS"}, Recipient: RecipientUser, Subject: "${STATUS}"}}
	p.Printing = profile.Printing{Use: true}
	f := newFixture(t, p, CAInfo{})
	ctx := context.Background()

	c := f.candidate("alice", "CN=Alice")
	c.Email = "alice@example.com"
	c.SendNotification = true
	_, err := f.w.Add(ctx, operator, c)
	require.NoError(t, err)
	require.Len(t, f.notifier.messages, 1)

	c.Password = ""
	c.SubjectDN = "CN=Alice Smith"
	_, err = f.w.Change(ctx, operator, c)
	require.NoError(t, err)
	assert.Len(t, f.notifier.messages, 1, "no notification without status change")

	c.Status = endentity.StatusInProcess
	_, err = f.w.Change(ctx, operator, c)
	require.NoError(t, err)
	require.Len(t, f.notifier.messages, 2)
	assert.Equal(t, "INPROCESS", f.notifier.messages[1].Subject)

	assert.Equal(t, []endentity.Status{endentity.StatusNew}, f.printer.printed, "INPROCESS does not print")
}

func TestU_Workflow_ChangeIllegalTransition(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	f.mustAdd(t, "alice", "CN=Alice")
	require.NoError(t, f.w.Revoke(context.Background(), operator, "alice", ReasonUnspecified))

	c := f.candidate("alice", "CN=Alice")
	c.Status = endentity.StatusInProcess
	_, err := f.w.Change(context.Background(), operator, c)
	assert.ErrorIs(t, err, endentity.ErrIllegalTransition)
}

// =============================================================================
// Uniqueness Tests
// =============================================================================

func TestU_Workflow_DuplicateSerialNumber(t *testing.T) {
	p := counterProfile()
	p.AddField("SERIALNUMBER")
	f := newFixture(t, p, CAInfo{UniqueSerialNumbers: true})
	ctx := context.Background()

	f.mustAdd(t, "alice", "CN=Alice,SN=12345")

	_, err := f.w.Add(ctx, operator, f.candidate("bob", "CN=Bob,SN=12345"))
	requireReason(t, err, validator.ReasonDuplicateSerialNumber)

	f.mustAdd(t, "carol", "CN=Carol,SN=123456")

	c := f.candidate("alice", "CN=Alice Smith,SN=12345")
	c.Password = ""
	_, err = f.w.Change(ctx, operator, c)
	assert.NoError(t, err, "an end entity keeps its own serial number")
}

func TestU_Workflow_SerialNumberNotEnforced(t *testing.T) {
	p := counterProfile()
	p.AddField("SERIALNUMBER")
	f := newFixture(t, p, CAInfo{})

	f.mustAdd(t, "alice", "CN=Alice,SN=12345")
	f.mustAdd(t, "bob", "CN=Bob,SN=12345")
}

// =============================================================================
// Counter Tests
// =============================================================================

func TestU_Workflow_RequestCounterExhaustion(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")

	_, err := f.w.DecRemainingLoginAttempts(ctx, operator, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, f.get(t, "alice").Extended.RemainingLoginAttempts)

	remaining, err := f.w.DecRequestCounter(ctx, operator, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	e := f.get(t, "alice")
	assert.Equal(t, endentity.StatusGenerated, e.Status)
	assert.Equal(t, 0, e.Extended.RemainingRequests)

	require.NoError(t, f.w.SetStatus(ctx, operator, "alice", endentity.StatusNew))
	e = f.get(t, "alice")
	assert.Equal(t, endentity.StatusNew, e.Status)
	assert.Equal(t, 1, e.Extended.RemainingRequests, "reset to the profile default")
	assert.Equal(t, 3, e.Extended.RemainingLoginAttempts, "reset to the profile maximum")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StatusTransitions.WithLabelValues("NEW", "GENERATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StatusTransitions.WithLabelValues("GENERATED", "NEW")))
}

func TestU_Workflow_RequestCounterDecrements(t *testing.T) {
	p := counterProfile()
	p.SetValue("ALLOWEDREQUESTS", 0, "3")
	f := newFixture(t, p, CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")

	e := f.get(t, "alice")
	e.Extended.StagedSerial = "7F"
	require.NoError(t, f.store.Update(ctx, e))

	remaining, err := f.w.DecRequestCounter(ctx, operator, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	e = f.get(t, "alice")
	assert.Equal(t, endentity.StatusNew, e.Status)
	assert.Empty(t, e.Extended.StagedSerial)
}

func TestU_Workflow_UntrackedRequestCounter(t *testing.T) {
	f := newFixture(t, profile.NewDefault("USER"), CAInfo{})
	f.mustAdd(t, "alice", "CN=Alice")
	assert.Equal(t, endentity.Unlimited, f.get(t, "alice").Extended.RemainingRequests)

	_, err := f.w.DecRequestCounter(context.Background(), operator, "alice")
	require.NoError(t, err)
	assert.Equal(t, endentity.StatusGenerated, f.get(t, "alice").Status)
}

func TestU_Workflow_UnlimitedLoginAttempts(t *testing.T) {
	f := newFixture(t, profile.NewDefault("USER"), CAInfo{})
	f.mustAdd(t, "alice", "CN=Alice")

	remaining, err := f.w.DecRemainingLoginAttempts(context.Background(), operator, "alice")
	require.NoError(t, err)
	assert.Equal(t, endentity.Unlimited, remaining)
	assert.Equal(t, endentity.StatusNew, f.get(t, "alice").Status)
}

func TestU_Workflow_Authenticate(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")

	assert.ErrorIs(t, f.w.Authenticate(ctx, "alice", "wrong"), ErrAuthentication)
	assert.Equal(t, 2, f.get(t, "alice").Extended.RemainingLoginAttempts)

	require.NoError(t, f.w.Authenticate(ctx, "alice", "foo123"))
	assert.Equal(t, 3, f.get(t, "alice").Extended.RemainingLoginAttempts, "success restores attempts")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, f.w.Authenticate(ctx, "alice", "wrong"), ErrAuthentication)
	}
	e := f.get(t, "alice")
	assert.Equal(t, endentity.StatusGenerated, e.Status, "exhausted attempts lock the end entity")
	assert.Equal(t, 3, e.Extended.RemainingLoginAttempts)

	assert.ErrorIs(t, f.w.Authenticate(ctx, "alice", "foo123"), ErrAuthentication, "GENERATED may not enroll")
	assert.ErrorIs(t, f.w.Authenticate(ctx, "nobody", "foo123"), ErrAuthentication)
}

// =============================================================================
// Approval Tests
// =============================================================================

func TestU_Workflow_AddRequiresApprovals(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{Approvals: map[approval.Action]int{approval.ActionAdd: 2}})
	ctx := context.Background()

	_, err := f.w.Add(ctx, operator, f.candidate("alice", "CN=Alice"))
	require.ErrorIs(t, err, approval.ErrWaitingForApproval)
	var waiting *approval.WaitingForApprovalError
	require.True(t, errors.As(err, &waiting))
	assert.Equal(t, 2, waiting.Required)

	pending, err := f.approvals.List(ctx, approval.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, waiting.RequestID, pending[0].ID)
	assert.Equal(t, "alice", pending[0].Username)
	assert.Equal(t, "operator", pending[0].Requester)

	_, err = f.store.Get(ctx, "alice")
	assert.ErrorIs(t, err, endentity.ErrNotFound, "pending add must not persist")

	_, err = f.w.Add(approval.WithBypass(ctx, approval.BypassReplay), operator, f.candidate("alice", "CN=Alice"))
	require.NoError(t, err)
	assert.Equal(t, endentity.StatusNew, f.get(t, "alice").Status)

	all, err := f.approvals.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "bypassed add files nothing")

	assert.Equal(t, []audit.EventType{audit.EventApprovalRequested, audit.EventEndEntityAdded}, f.events(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ApprovalsFiledTotal.WithLabelValues(string(approval.ActionAdd))))
}

func TestU_Workflow_CounterBypassDoesNotApplyToAdd(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{Approvals: map[approval.Action]int{approval.ActionAdd: 1}})

	_, err := f.w.Add(approval.WithBypass(context.Background(), approval.BypassCounter), operator, f.candidate("alice", "CN=Alice"))
	assert.ErrorIs(t, err, approval.ErrWaitingForApproval)
}

func TestU_Workflow_ExecuteApproved(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{Approvals: map[approval.Action]int{approval.ActionAdd: 2}})
	ctx := context.Background()

	_, err := f.w.Add(ctx, operator, f.candidate("alice", "CN=Alice"))
	var waiting *approval.WaitingForApprovalError
	require.True(t, errors.As(err, &waiting))
	id := waiting.RequestID

	assert.ErrorIs(t, f.w.ExecuteApproved(ctx, operator, f.approvals, id), approval.ErrNotApproved)

	_, err = approval.Approve(ctx, f.approvals, id, "bob")
	require.NoError(t, err)
	_, err = approval.Approve(ctx, f.approvals, id, "carol")
	require.NoError(t, err)

	require.NoError(t, f.w.ExecuteApproved(ctx, operator, f.approvals, id))

	e := f.get(t, "alice")
	assert.Equal(t, "CN=Alice", e.SubjectDN)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(e.PasswordHash), []byte("foo123")),
		"replayed add carries the requested password")

	req, err := f.approvals.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExecuted, req.Status)

	all, err := f.approvals.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// flakyRequests fails every Update while failUpdate is set.
type flakyRequests struct {
	*approval.MemoryStore
	failUpdate bool
}

func (s *flakyRequests) Update(ctx context.Context, r *approval.Request) error {
	if s.failUpdate {
		return errors.New("disk full")
	}
	return s.MemoryStore.Update(ctx, r)
}

func TestU_Workflow_ExecuteApprovedAtMostOnce(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{Approvals: map[approval.Action]int{approval.ActionAdd: 1}})
	ctx := context.Background()

	_, err := f.w.Add(ctx, operator, f.candidate("alice", "CN=Alice"))
	var waiting *approval.WaitingForApprovalError
	require.True(t, errors.As(err, &waiting))
	id := waiting.RequestID
	_, err = approval.Approve(ctx, f.approvals, id, "bob")
	require.NoError(t, err)

	status := func() approval.Status {
		req, err := f.approvals.Get(ctx, id)
		require.NoError(t, err)
		return req.Status
	}

	t.Run("[Unit] ExecuteApproved: request store failure replays nothing", func(t *testing.T) {
		requests := &flakyRequests{MemoryStore: f.approvals, failUpdate: true}
		require.Error(t, f.w.ExecuteApproved(ctx, operator, requests, id))
		_, err := f.store.Get(ctx, "alice")
		assert.ErrorIs(t, err, endentity.ErrNotFound)
		assert.Equal(t, approval.StatusApproved, status())
	})

	t.Run("[Unit] ExecuteApproved: failed replay restores the request", func(t *testing.T) {
		_, err := f.w.Add(approval.WithBypass(ctx, approval.BypassReplay), operator, f.candidate("alice", "CN=Alice"))
		require.NoError(t, err)

		assert.ErrorIs(t, f.w.ExecuteApproved(ctx, operator, f.approvals, id), endentity.ErrAlreadyExists)
		assert.Equal(t, approval.StatusApproved, status())
		require.NoError(t, f.w.Delete(ctx, operator, "alice"))
	})

	t.Run("[Unit] ExecuteApproved: executed once", func(t *testing.T) {
		require.NoError(t, f.w.ExecuteApproved(ctx, operator, f.approvals, id))
		assert.Equal(t, approval.StatusExecuted, status())
		assert.ErrorIs(t, f.w.ExecuteApproved(ctx, operator, f.approvals, id), approval.ErrNotApproved)
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestU_Workflow_AuditFailureAfterCommit(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{}, WithAudit(audit.NewStreamWriter(failingWriter{})))
	ctx := context.Background()

	_, err := f.w.Add(ctx, operator, f.candidate("alice", "CN=Alice"))
	assert.ErrorIs(t, err, ErrNotAudited)
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.Equal(t, endentity.StatusNew, f.get(t, "alice").Status, "the add was committed")

	err = f.w.SetStatus(ctx, operator, "alice", endentity.StatusGenerated)
	assert.ErrorIs(t, err, ErrNotAudited)
	assert.Equal(t, endentity.StatusGenerated, f.get(t, "alice").Status)
}

func TestU_Workflow_RevokeBypassesStatusApproval(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{Approvals: map[approval.Action]int{approval.ActionSetStatus: 1}})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")

	err := f.w.SetStatus(ctx, operator, "alice", endentity.StatusHistorical)
	require.ErrorIs(t, err, approval.ErrWaitingForApproval)
	assert.Equal(t, endentity.StatusNew, f.get(t, "alice").Status)

	require.NoError(t, f.w.Revoke(ctx, operator, "alice", ReasonUnspecified))
	assert.Equal(t, endentity.StatusRevoked, f.get(t, "alice").Status)

	all, err := f.approvals.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "revoke does not file a status change request")
}

// =============================================================================
// Revocation Tests
// =============================================================================

func TestU_Workflow_Revoke(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")
	f.revoker.certs["alice"] = []Certificate{
		{Serial: "01", Issuer: "CN=Issuing CA"},
		{Serial: "02", Issuer: "CN=Issuing CA", Revoked: true, RevocationReason: 1},
	}

	require.NoError(t, f.w.Revoke(ctx, operator, "alice", 4))
	assert.Equal(t, []string{"01"}, f.revoker.calls, "already revoked certificates are skipped")
	assert.Equal(t, endentity.StatusRevoked, f.get(t, "alice").Status)

	assert.ErrorIs(t, f.w.Revoke(ctx, operator, "alice", 4), endentity.ErrAlreadyRevoked)

	assert.Equal(t, []audit.EventType{
		audit.EventEndEntityAdded,
		audit.EventEndEntityStatusChanged,
		audit.EventEndEntityRevoked,
	}, f.events(t))
}

func TestU_Workflow_Unhold(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")
	f.revoker.certs["alice"] = []Certificate{{Serial: "01", Issuer: "CN=Issuing CA"}}

	assert.ErrorIs(t, f.w.Revoke(ctx, operator, "alice", ReasonRemoveFromCRL), ErrNotRevoked)

	require.NoError(t, f.w.Revoke(ctx, operator, "alice", ReasonCertificateHold))
	require.NoError(t, f.w.Revoke(ctx, operator, "alice", ReasonRemoveFromCRL))

	assert.Equal(t, endentity.StatusGenerated, f.get(t, "alice").Status)
	assert.False(t, f.revoker.certs["alice"][0].Revoked)
}

func TestU_Workflow_RevokedStaysRevoked(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")
	f.revoker.certs["alice"] = []Certificate{{Serial: "01", Issuer: "CN=Issuing CA"}}
	require.NoError(t, f.w.Revoke(ctx, operator, "alice", ReasonUnspecified))

	err := f.w.SetStatus(ctx, operator, "alice", endentity.StatusGenerated)
	assert.ErrorIs(t, err, endentity.ErrIllegalTransition)

	_, err = f.w.DecRequestCounter(ctx, operator, "alice")
	assert.ErrorIs(t, err, endentity.ErrAlreadyRevoked)

	_, err = f.w.DecRemainingLoginAttempts(ctx, operator, "alice")
	assert.ErrorIs(t, err, endentity.ErrAlreadyRevoked)

	assert.Equal(t, endentity.StatusRevoked, f.get(t, "alice").Status)
	assert.True(t, f.revoker.certs["alice"][0].Revoked)
}

func TestU_Workflow_Delete(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")
	f.revoker.certs["alice"] = []Certificate{{Serial: "01"}}

	require.NoError(t, f.w.Delete(ctx, operator, "alice"))
	_, err := f.store.Get(ctx, "alice")
	assert.ErrorIs(t, err, endentity.ErrNotFound)
	assert.Empty(t, f.revoker.calls, "delete does not revoke")

	assert.ErrorIs(t, f.w.Delete(ctx, operator, "alice"), endentity.ErrNotFound)
}

// =============================================================================
// Key Recovery Tests
// =============================================================================

func TestU_Workflow_KeyRecoveryMark(t *testing.T) {
	tests := []struct {
		name     string
		to       endentity.Status
		unmarked bool
	}{
		{"[Unit] KeyRecovery: INPROCESS keeps the mark", endentity.StatusInProcess, false},
		{"[Unit] KeyRecovery: KEYRECOVERY keeps the mark", endentity.StatusKeyRecovery, false},
		{"[Unit] KeyRecovery: INITIALIZED clears the mark", endentity.StatusInitialized, true},
		{"[Unit] KeyRecovery: GENERATED clears the mark", endentity.StatusGenerated, true},
		{"[Unit] KeyRecovery: NEW clears the mark", endentity.StatusNew, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, counterProfile(), CAInfo{})
			ctx := context.Background()
			f.mustAdd(t, "alice", "CN=Alice")

			require.NoError(t, f.w.PrepareForKeyRecovery(ctx, operator, "alice", ""))
			e := f.get(t, "alice")
			require.Equal(t, endentity.StatusKeyRecovery, e.Status)
			require.Equal(t, "0A", e.Extended.KeyRecoverySerial)

			require.NoError(t, f.w.SetStatus(ctx, operator, "alice", tt.to))
			e = f.get(t, "alice")
			assert.Equal(t, tt.to, e.Status)
			if tt.unmarked {
				assert.Equal(t, []string{"alice"}, f.recovery.unmarked)
				assert.Empty(t, e.Extended.KeyRecoverySerial)
			} else {
				assert.Empty(t, f.recovery.unmarked)
				assert.Equal(t, "0A", e.Extended.KeyRecoverySerial)
			}
		})
	}
}

func TestU_Workflow_KeyRecoverySpecificCertificate(t *testing.T) {
	f := newFixture(t, counterProfile(), CAInfo{})
	f.mustAdd(t, "alice", "CN=Alice")

	require.NoError(t, f.w.PrepareForKeyRecovery(context.Background(), operator, "alice", "3C"))
	assert.Equal(t, "3C", f.recovery.marked["alice"])
	assert.Contains(t, f.events(t), audit.EventKeyRecoveryPrepared)
}

// =============================================================================
// Password Tests
// =============================================================================

func TestU_Workflow_SetPassword(t *testing.T) {
	p := counterProfile()
	p.MinPasswordStrength = 40
	f := newFixture(t, p, CAInfo{})
	ctx := context.Background()

	c := f.candidate("alice", "CN=Alice")
	c.Password = "s3cretpass"
	_, err := f.w.Add(ctx, operator, c)
	require.NoError(t, err)

	requireReason(t, f.w.SetPassword(ctx, operator, "alice", "abc"), validator.ReasonWeakPassword)
	require.NoError(t, f.w.SetPassword(ctx, operator, "alice", "n3wpassword"))
	assert.NoError(t, f.w.Authenticate(ctx, "alice", "n3wpassword"))

	requireReason(t, f.w.SetClearTextPassword(ctx, operator, "alice", "n3wpassword"), validator.ReasonNotAllowed)
}

func TestU_Workflow_SetClearTextPassword(t *testing.T) {
	p := counterProfile()
	p.SetUse("CLEARTEXTPASSWORD", 0, true)
	f := newFixture(t, p, CAInfo{})
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")

	require.NoError(t, f.w.SetClearTextPassword(ctx, operator, "alice", "visible1"))
	e := f.get(t, "alice")
	assert.True(t, e.ClearTextPassword)
	assert.Equal(t, "visible1", e.ClearPassword)

	require.NoError(t, f.w.SetPassword(ctx, operator, "alice", "hidden1"))
	assert.Empty(t, f.get(t, "alice").ClearPassword)
}

// =============================================================================
// Notification Tests
// =============================================================================

func TestU_Workflow_Notifications(t *testing.T) {
	p := counterProfile()
	p.Notifications = []profile.Notification{
		{Events: []string{"NEW"}, Recipient: RecipientUser, Sender: "ra@example.com",
			Subject: "Welcome ${USERNAME}", Message: "${CN}: ${PASSWORD}"},
		{Events: []string{"NEW"}, Recipient: "CUSTOM:ops", Subject: "new end entity"},
		{Events: []string{"REVOKED"}, Recipient: "audit@example.com; sec@example.com", Subject: "revoked"},
	}
	f := newFixture(t, p, CAInfo{}, WithRecipientResolver("ops", staticResolver{"ops@example.com"}))
	ctx := context.Background()

	c := f.candidate("alice", "CN=Alice")
	c.Email = "alice@example.com"
	c.SendNotification = true
	_, err := f.w.Add(ctx, operator, c)
	require.NoError(t, err)

	require.Len(t, f.notifier.messages, 2)
	m := f.notifier.messages[0]
	assert.Equal(t, []string{"alice@example.com"}, m.Recipients)
	assert.Equal(t, "ra@example.com", m.Sender)
	assert.Equal(t, "Welcome alice", m.Subject)
	assert.Equal(t, "Alice: foo123", m.Body)
	assert.Equal(t, []string{"ops@example.com"}, f.notifier.messages[1].Recipients)

	require.NoError(t, f.w.Revoke(ctx, operator, "alice", ReasonUnspecified))
	require.Len(t, f.notifier.messages, 3)
	assert.Equal(t, []string{"audit@example.com", "sec@example.com"}, f.notifier.messages[2].Recipients)
}

func TestU_Workflow_NotificationFailuresAreSwallowed(t *testing.T) {
	p := counterProfile()
	p.Notifications = []profile.Notification{
		{Events: []string{"NEW"}, Recipient: RecipientUser, Subject: "hello"},
		{Events: []string{"NEW"}, Recipient: "CUSTOM:missing", Subject: "hello"},
	}
	f := newFixture(t, p, CAInfo{})
	f.notifier.err = errors.New("smtp unavailable")

	c := f.candidate("alice", "CN=Alice")
	c.Email = "alice@example.com"
	c.SendNotification = true
	_, err := f.w.Add(context.Background(), operator, c)
	require.NoError(t, err)

	assert.Equal(t, endentity.StatusNew, f.get(t, "alice").Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.NotificationErrors))
}

func TestU_Workflow_NoNotificationWithoutFlag(t *testing.T) {
	p := counterProfile()
	p.Notifications = []profile.Notification{{Events: []string{"NEW"}, Recipient: "ops@example.com"}}
	f := newFixture(t, p, CAInfo{})

	f.mustAdd(t, "alice", "CN=Alice")
	assert.Empty(t, f.notifier.messages)
}

// =============================================================================
// Query Tests
// =============================================================================

func TestU_Workflow_ListAndCount(t *testing.T) {
	viewOnlyAlice := AuthorizerFunc(func(_ context.Context, admin Admin, _ string) bool {
		return admin.Name != "guest"
	})
	f := newFixture(t, counterProfile(), CAInfo{}, WithAuthorizer(viewOnlyAlice))
	ctx := context.Background()
	f.mustAdd(t, "alice", "CN=Alice")
	f.mustAdd(t, "bob", "CN=Bob")
	require.NoError(t, f.w.Revoke(ctx, operator, "bob", ReasonUnspecified))

	list, err := f.w.List(ctx, operator, endentity.Filter{CAID: testCA})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.w.List(ctx, Admin{Name: "guest"}, endentity.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.w.Get(ctx, Admin{Name: "guest"}, "alice")
	assert.ErrorIs(t, err, ErrAuthorizationDenied)

	counts, err := f.w.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"NEW": 1, "REVOKED": 1}, counts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EndEntities.WithLabelValues("REVOKED")))
}

func TestU_KeyedMutex_Serializes(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("alice")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, k.locks, "released keys are dropped")
}
