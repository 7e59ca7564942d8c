package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jmhodges/clock"
	"golang.org/x/crypto/bcrypt"

	"github.com/remiblancher/qpki-ra/internal/approval"
	"github.com/remiblancher/qpki-ra/internal/audit"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/metrics"
	"github.com/remiblancher/qpki-ra/internal/profile"
	"github.com/remiblancher/qpki-ra/internal/validator"
)

// Workflow runs end entity lifecycle operations.
//
// Operations on one username are serialized, and operations that enforce
// unique serial numbers are serialized per CA. An error matching
// ErrNotAudited reports a committed change whose audit event was lost.
type Workflow struct {
	store     endentity.Store
	profiles  *profile.Registry
	validator *validator.Validator

	auth        Authorizer
	gate        *approval.Gate
	cas         CARegistry
	defaultCA   int
	revocation  RevocationBackend
	keyRecovery KeyRecoveryBackend
	notifier    Notifier
	resolvers   map[string]RecipientResolver
	printer     Printer
	bcryptCost  int

	audit   audit.Writer
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	userLocks keyedMutex
	caLocks   keyedMutex
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithAuthorizer sets the authorization oracle. The default allows everything.
func WithAuthorizer(a Authorizer) Option {
	return func(w *Workflow) { w.auth = a }
}

// WithGate sets the approval gate. The default gates nothing.
func WithGate(g *approval.Gate) Option {
	return func(w *Workflow) { w.gate = g }
}

// WithCAs sets the CA registry. Without one, CAs are not checked for
// existence and serial numbers are never required to be unique.
func WithCAs(reg CARegistry) Option {
	return func(w *Workflow) { w.cas = reg }
}

// WithDefaultCA sets the CA used when neither the end entity nor its profile
// names a concrete one.
func WithDefaultCA(id int) Option {
	return func(w *Workflow) { w.defaultCA = id }
}

// WithRevocation sets the revocation backend.
func WithRevocation(r RevocationBackend) Option {
	return func(w *Workflow) { w.revocation = r }
}

// WithKeyRecovery sets the key recovery backend.
func WithKeyRecovery(k KeyRecoveryBackend) Option {
	return func(w *Workflow) { w.keyRecovery = k }
}

// WithNotifier sets the notification backend.
func WithNotifier(n Notifier) Option {
	return func(w *Workflow) { w.notifier = n }
}

// WithRecipientResolver registers the resolver of "CUSTOM:<name>" recipients.
func WithRecipientResolver(name string, r RecipientResolver) Option {
	return func(w *Workflow) { w.resolvers[name] = r }
}

// WithPrinter sets the print backend.
func WithPrinter(p Printer) Option {
	return func(w *Workflow) { w.printer = p }
}

// WithBcryptCost sets the bcrypt cost of password hashes.
func WithBcryptCost(cost int) Option {
	return func(w *Workflow) { w.bcryptCost = cost }
}

// WithAudit sets the audit writer.
func WithAudit(a audit.Writer) Option {
	return func(w *Workflow) { w.audit = a }
}

// WithMetrics sets the metrics. Nil records nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(w *Workflow) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// New creates a workflow over an end entity store and a profile registry.
// A nil validator validates with default settings.
func New(store endentity.Store, profiles *profile.Registry, v *validator.Validator, opts ...Option) *Workflow {
	w := &Workflow{
		store:      store,
		profiles:   profiles,
		validator:  v,
		auth:       AllowAll,
		resolvers:  make(map[string]RecipientResolver),
		bcryptCost: bcrypt.DefaultCost,
		audit:      audit.NopWriter{},
		clock:      clock.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.validator == nil {
		w.validator = validator.New(nil, validator.WithClock(w.clock), validator.WithLogger(w.logger))
	}
	if w.gate == nil {
		w.gate = approval.NewGate(nil, nil, w.clock, w.logger)
	}
	return w
}

// Gate returns the approval gate.
func (w *Workflow) Gate() *approval.Gate { return w.gate }

// Get returns an end entity.
func (w *Workflow) Get(ctx context.Context, admin Admin, username string) (*endentity.EndEntity, error) {
	e, err := w.load(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := w.authorize(ctx, admin, CAResource(e.CAID), ProfileResource(e.ProfileID, AccessView)); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns the end entities matching filter that admin may view.
func (w *Workflow) List(ctx context.Context, admin Admin, filter endentity.Filter) ([]*endentity.EndEntity, error) {
	all, err := w.store.List(ctx, filter)
	if err != nil {
		return nil, infra("list end entities", err)
	}
	out := all[:0]
	for _, e := range all {
		if w.auth.IsAuthorized(ctx, admin, CAResource(e.CAID)) &&
			w.auth.IsAuthorized(ctx, admin, ProfileResource(e.ProfileID, AccessView)) {
			out = append(out, e)
		}
	}
	return out, nil
}

// CountByStatus counts the stored end entities by status and publishes the
// counts to the end entity gauge.
func (w *Workflow) CountByStatus(ctx context.Context) (map[string]int, error) {
	all, err := w.store.List(ctx, endentity.Filter{})
	if err != nil {
		return nil, infra("list end entities", err)
	}
	counts := make(map[string]int)
	for _, e := range all {
		counts[string(e.Status)]++
	}
	w.metrics.SetEndEntityCounts(counts)
	return counts, nil
}

func (w *Workflow) authorize(ctx context.Context, admin Admin, resources ...string) error {
	for _, r := range resources {
		if !w.auth.IsAuthorized(ctx, admin, r) {
			w.logger.Info("authorization denied", "admin", admin.Name, "resource", r)
			return &AuthorizationDeniedError{Admin: admin.Name, Resource: r}
		}
	}
	return nil
}

func (w *Workflow) load(ctx context.Context, username string) (*endentity.EndEntity, error) {
	e, err := w.store.Get(ctx, username)
	if errors.Is(err, endentity.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, infra("load end entity", err)
	}
	return e, nil
}

func (w *Workflow) profile(ctx context.Context, id int) (*profile.Profile, error) {
	p, err := w.profiles.Profile(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.WithLogger(w.logger), nil
}

func (w *Workflow) persist(ctx context.Context, op string, e *endentity.EndEntity, create bool) error {
	var err error
	if create {
		err = w.store.Create(ctx, e)
	} else {
		err = w.store.Update(ctx, e)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, endentity.ErrAlreadyExists), errors.Is(err, endentity.ErrNotFound):
		return err
	default:
		return infra(op, err)
	}
}

// record writes an audit event for a committed mutation. A failure wraps
// ErrNotAudited.
func (w *Workflow) record(t audit.EventType, admin Admin, e *endentity.EndEntity, p *profile.Profile, c audit.Context) error {
	obj := audit.Object{Username: e.Username, CAID: e.CAID, ProfileID: e.ProfileID, SubjectDN: e.SubjectDN}
	if p != nil && p.RedactPII {
		obj.SubjectDN = e.Redacted().SubjectDN
	}
	event := audit.NewEvent(t, audit.ResultSuccess, w.clock.Now()).
		WithActor(actorOf(admin)).
		WithObject(obj).
		WithContext(c)
	if err := w.audit.Write(event); err != nil {
		return infra("audit log failed", fmt.Errorf("%w: %w", ErrNotAudited, err))
	}
	return nil
}

func actorOf(admin Admin) audit.Actor {
	if admin.Name == "" {
		return audit.Actor{Type: "system", ID: "qra"}
	}
	return audit.Actor{Type: "user", ID: admin.Name}
}

// done classifies the outcome of an operation for metrics and audit. It
// returns err unchanged.
func (w *Workflow) done(op string, admin Admin, e *endentity.EndEntity, err error) error {
	var waiting *approval.WaitingForApprovalError
	switch {
	case err == nil:
		w.metrics.Operation(op, metrics.OutcomeSuccess)
	case errors.As(err, &waiting):
		w.metrics.Operation(op, metrics.OutcomePending)
		w.metrics.ApprovalFiled(string(waiting.Action))
		if e != nil && e.Username != "" {
			event := audit.NewEvent(audit.EventApprovalRequested, audit.ResultSuccess, w.clock.Now()).
				WithActor(actorOf(admin)).
				WithObject(audit.Object{Username: e.Username, CAID: e.CAID, ProfileID: e.ProfileID}).
				WithContext(audit.Context{Reason: string(waiting.Action), RequestID: waiting.RequestID})
			if aerr := w.audit.Write(event); aerr != nil {
				w.logger.Error("failed to audit approval request", "request_id", waiting.RequestID, "error", aerr)
			}
		}
	case errors.Is(err, validator.ErrProfileValidation):
		w.metrics.Operation(op, metrics.OutcomeRejected)
		if reason, ok := validator.ReasonOf(err); ok {
			w.metrics.Rejection(string(reason))
		}
	case errors.Is(err, ErrAuthorizationDenied), errors.Is(err, ErrAuthentication):
		w.metrics.Operation(op, metrics.OutcomeDenied)
	default:
		w.metrics.Operation(op, metrics.OutcomeError)
	}
	return err
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock locks key and returns the function releasing it.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// lockCA serializes operations enforcing unique serial numbers on a CA. It
// returns a no-op when the CA does not enforce them.
func (w *Workflow) lockCA(caID int) func() {
	if w.cas == nil {
		return func() {}
	}
	if ca, ok := w.cas.CA(caID); !ok || !ca.UniqueSerialNumbers {
		return func() {}
	}
	return w.caLocks.Lock(strconv.Itoa(caID))
}

func (w *Workflow) lockUser(username string) func() {
	return w.userLocks.Lock(username)
}
