package rma

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/api"
	"github.com/and161185/rma-console/internal/convert"
	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
)

// DefaultRejectReason is recorded when a rejection carries no reason.
const DefaultRejectReason = "No reason provided"

// DefaultTicketTTL bounds the time between RequestDelete and ConfirmDelete.
const DefaultTicketTTL = 30 * time.Second

// Backend is the subset of the REST client driven by the engine.
type Backend interface {
	ListRMAs(ctx context.Context) ([]model.RMARequest, error)
	MyRMAs(ctx context.Context) ([]model.RMARequest, error)
	PendingRMAs(ctx context.Context) ([]model.RMARequest, error)
	RMAOverview(ctx context.Context) (convert.Overview, error)
	CreateRMA(ctx context.Context, s model.RMASubmission) (*model.RMARequest, error)
	SubmitRMA(ctx context.Context, s model.RMASubmission) (*model.RMARequest, error)
	ApproveRMA(ctx context.Context, id, notes string) (*model.RMARequest, error)
	RejectRMA(ctx context.Context, id, reason string) (*model.RMARequest, error)
	UpdateRMAStatus(ctx context.Context, id string, status model.Status, notes string) (*model.RMARequest, error)
	DeleteRMA(ctx context.Context, id string) error
	DownloadRMAFile(ctx context.Context, id, fileType string, index int) (*api.Download, error)
}

var _ Backend = (*api.Client)(nil)

// Identity answers who is acting.
type Identity interface {
	Principal() (model.Principal, bool)
	IsAdmin() bool
}

// Notifier receives derived notification events.
type Notifier interface {
	Add(ctx context.Context, title, message string) model.Notification
}

// DeleteTicket is the first phase of a two-phase delete.
type DeleteTicket struct {
	ID        string
	RMAID     string
	Label     string
	ExpiresAt time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithTicketTTL overrides DefaultTicketTTL.
func WithTicketTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ticketTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine owns the RMA working set and applies confirmed transitions to it.
// Local state changes only after the backend confirms. Safe for concurrent use.
type Engine struct {
	backend   Backend
	identity  Identity
	notifier  Notifier
	log       *zap.Logger
	validate  *validator.Validate
	now       func() time.Time
	ticketTTL time.Duration

	mu       sync.Mutex
	requests []model.RMARequest
	pending  []model.RMARequest
	detail   *model.RMARequest
	notes    string
	seq      uint64
	applied  map[string]uint64
	tickets  map[string]DeleteTicket
}

// NewEngine constructs an engine with an empty working set.
func NewEngine(backend Backend, identity Identity, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		backend:   backend,
		identity:  identity,
		notifier:  notifier,
		log:       zap.NewNop(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
		ticketTTL: DefaultTicketTTL,
		requests:  []model.RMARequest{},
		pending:   []model.RMARequest{},
		applied:   map[string]uint64{},
		tickets:   map[string]DeleteTicket{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// --- loading ---

// Load replaces the working set: every request for admins, own requests otherwise.
func (e *Engine) Load(ctx context.Context) error {
	var (
		list []model.RMARequest
		err  error
	)
	if e.identity.IsAdmin() {
		list, err = e.backend.ListRMAs(ctx)
	} else {
		list, err = e.backend.MyRMAs(ctx)
	}
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.requests = cloneAll(list)
	if e.detail != nil {
		if i := indexOf(e.requests, e.detail.ID); i >= 0 {
			d := e.requests[i].Clone()
			e.detail = &d
		}
	}
	e.mu.Unlock()
	e.log.Debug("rma: working set loaded", zap.Int("count", len(list)))
	return nil
}

// LoadPending replaces the pending-review set. Admin only.
func (e *Engine) LoadPending(ctx context.Context) error {
	if !e.identity.IsAdmin() {
		return fmt.Errorf("%w: pending queue requires admin", errs.ErrForbidden)
	}
	list, err := e.backend.PendingRMAs(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = cloneAll(list)
	e.mu.Unlock()
	return nil
}

// RemoteStats fetches the server's own counters. Informative only; Stats is
// what the console displays.
func (e *Engine) RemoteStats(ctx context.Context) (convert.Overview, error) {
	return e.backend.RMAOverview(ctx)
}

// --- submission ---

func (e *Engine) prepare(s model.RMASubmission) (model.RMASubmission, model.Principal, error) {
	p, ok := e.identity.Principal()
	if !ok {
		return s, p, fmt.Errorf("%w: submit requires a session", errs.ErrUnauthorized)
	}
	s.SerialNumber = strings.TrimSpace(s.SerialNumber)
	s.IssueDescription = strings.TrimSpace(s.IssueDescription)
	s.Type = model.RMAType(strings.ToLower(string(s.Type)))
	if s.Priority == "" {
		s.Priority = model.PriorityMedium
	}
	s.ReportedBy, s.ReportedByEmail, s.ReportedByPhone = p.Name, p.Email, p.Phone
	if err := e.validate.Struct(s); err != nil {
		return s, p, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	return s, p, nil
}

// Submit validates s, stamps the reporter from the session and posts it with
// its files. The created request joins the working set and the pending set.
func (e *Engine) Submit(ctx context.Context, s model.RMASubmission) (model.RMARequest, error) {
	s, p, err := e.prepare(s)
	if err != nil {
		return model.RMARequest{}, err
	}
	created, err := e.backend.SubmitRMA(ctx, s)
	if err != nil {
		return model.RMARequest{}, err
	}
	return e.added(ctx, s, p, created)
}

// Create posts s without files.
func (e *Engine) Create(ctx context.Context, s model.RMASubmission) (model.RMARequest, error) {
	if len(s.Files) > 0 {
		return model.RMARequest{}, fmt.Errorf("%w: files require Submit", errs.ErrValidation)
	}
	s, p, err := e.prepare(s)
	if err != nil {
		return model.RMARequest{}, err
	}
	created, err := e.backend.CreateRMA(ctx, s)
	if err != nil {
		return model.RMARequest{}, err
	}
	return e.added(ctx, s, p, created)
}

func (e *Engine) added(ctx context.Context, s model.RMASubmission, p model.Principal, created *model.RMARequest) (model.RMARequest, error) {
	if created == nil || created.ID == "" {
		return model.RMARequest{}, fmt.Errorf("%w: create response without request", errs.ErrServer)
	}
	r := created.Clone()
	if r.Status == "" {
		r.Status = model.StatusPendingReview
	}
	if r.ReportedBy.Name == "" {
		r.ReportedBy = p.Actor()
	}
	if r.SerialNumber == "" {
		r.SerialNumber = s.SerialNumber
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Attachments == nil {
		r.Attachments = []model.Attachment{}
	}

	e.mu.Lock()
	e.requests = upsert(e.requests, r)
	if r.Status == model.StatusPendingReview {
		e.pending = upsert(e.pending, r)
	}
	e.mu.Unlock()

	e.notify(ctx, "RMA submitted", fmt.Sprintf("RMA %s submitted", r.Label()))
	return r.Clone(), nil
}

// --- transitions ---

// Approve moves a pending_review request to approved. Admin only.
func (e *Engine) Approve(ctx context.Context, id, notes string) (model.RMARequest, error) {
	notes = e.notesOr(notes)
	name := e.actorName()
	r, err := e.transition(ctx, id, model.StatusApproved,
		func(ctx context.Context) (*model.RMARequest, error) { return e.backend.ApproveRMA(ctx, id, notes) },
		func(r *model.RMARequest) {
			r.ApprovedBy = name
			if notes != "" {
				r.AdminNotes = notes
			}
		})
	if err != nil {
		return r, err
	}
	e.notify(ctx, "RMA approved", fmt.Sprintf("RMA %s approved", r.Label()))
	return r, nil
}

// Reject moves a pending_review request to rejected. Admin only.
func (e *Engine) Reject(ctx context.Context, id, reason string) (model.RMARequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectReason
	}
	name := e.actorName()
	r, err := e.transition(ctx, id, model.StatusRejected,
		func(ctx context.Context) (*model.RMARequest, error) { return e.backend.RejectRMA(ctx, id, reason) },
		func(r *model.RMARequest) {
			r.RejectedBy = name
			r.RejectionReason = reason
		})
	if err != nil {
		return r, err
	}
	e.notify(ctx, "RMA rejected", fmt.Sprintf("RMA %s rejected", r.Label()))
	return r, nil
}

// Advance moves a request one edge along the lifecycle graph. Admin only.
// Approval and rejection are refused here; they go through Approve and Reject.
func (e *Engine) Advance(ctx context.Context, id string, next model.Status, notes string) (model.RMARequest, error) {
	if IsDecision(next) {
		if !e.identity.IsAdmin() {
			return model.RMARequest{}, fmt.Errorf("%w: %s requires admin", errs.ErrForbidden, next)
		}
		e.mu.Lock()
		cur, ok := e.lookupLocked(id)
		e.mu.Unlock()
		if !ok {
			return model.RMARequest{}, fmt.Errorf("%w: rma %s", errs.ErrNotFound, id)
		}
		return cur.Clone(), fmt.Errorf("rma %s: %w", cur.Label(), CheckAdvance(cur.Status, next))
	}
	notes = e.notesOr(notes)
	r, err := e.transition(ctx, id, next,
		func(ctx context.Context) (*model.RMARequest, error) {
			return e.backend.UpdateRMAStatus(ctx, id, next, notes)
		},
		func(r *model.RMARequest) {
			if notes != "" {
				r.AdminNotes = notes
			}
		})
	if err != nil {
		return r, err
	}
	e.notify(ctx, "RMA status updated", fmt.Sprintf("RMA %s moved to %s", r.Label(), r.Status))
	return r, nil
}

// transition runs the guard, the backend call and the confirmed local update.
// apply fills in the fields of a locally derived result when the backend
// confirms without returning the request.
func (e *Engine) transition(
	ctx context.Context,
	id string,
	to model.Status,
	call func(context.Context) (*model.RMARequest, error),
	apply func(*model.RMARequest),
) (model.RMARequest, error) {
	if !e.identity.IsAdmin() {
		return model.RMARequest{}, fmt.Errorf("%w: %s requires admin", errs.ErrForbidden, to)
	}

	e.mu.Lock()
	cur, ok := e.lookupLocked(id)
	if !ok {
		e.mu.Unlock()
		return model.RMARequest{}, fmt.Errorf("%w: rma %s", errs.ErrNotFound, id)
	}
	if err := CheckTransition(cur.Status, to); err != nil {
		e.mu.Unlock()
		return cur, fmt.Errorf("rma %s: %w", cur.Label(), err)
	}
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	resp, err := call(ctx)
	if err != nil {
		e.log.Info("rma: transition failed",
			zap.String("id", id),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return cur, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if seq < e.applied[id] {
		e.log.Debug("rma: discarding stale response", zap.String("id", id), zap.Uint64("seq", seq))
		latest, _ := e.lookupLocked(id)
		return latest, fmt.Errorf("%w: rma %s", errs.ErrStale, id)
	}

	var next model.RMARequest
	if resp != nil {
		next = resp.Clone()
	} else {
		if latest, ok := e.lookupLocked(id); ok {
			cur = latest
		}
		next = cur.Clone()
		next.Status = to
		next.UpdatedAt = e.now().UTC()
		apply(&next)
	}
	if next.Attachments == nil {
		next.Attachments = []model.Attachment{}
	}
	e.applyLocked(next)
	e.applied[id] = seq
	e.notes = ""
	return next.Clone(), nil
}

func (e *Engine) applyLocked(r model.RMARequest) {
	if i := indexOf(e.requests, r.ID); i >= 0 {
		e.requests[i] = r.Clone()
	}
	if r.Status == model.StatusPendingReview {
		if i := indexOf(e.pending, r.ID); i >= 0 {
			e.pending[i] = r.Clone()
		}
	} else {
		e.pending = removeID(e.pending, r.ID)
	}
	if e.detail != nil && e.detail.ID == r.ID {
		d := r.Clone()
		e.detail = &d
	}
}

// --- delete ---

// RequestDelete issues a single-use ticket that ConfirmDelete must present
// before it expires. Admin only.
func (e *Engine) RequestDelete(id string) (DeleteTicket, error) {
	if !e.identity.IsAdmin() {
		return DeleteTicket{}, fmt.Errorf("%w: delete requires admin", errs.ErrForbidden)
	}
	tid, err := uuid.NewV4()
	if err != nil {
		return DeleteTicket{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.lookupLocked(id)
	if !ok {
		return DeleteTicket{}, fmt.Errorf("%w: rma %s", errs.ErrNotFound, id)
	}
	now := e.now()
	for k, t := range e.tickets {
		if !now.Before(t.ExpiresAt) {
			delete(e.tickets, k)
		}
	}
	t := DeleteTicket{ID: tid.String(), RMAID: id, Label: cur.Label(), ExpiresAt: now.Add(e.ticketTTL)}
	e.tickets[t.ID] = t
	return t, nil
}

// ConfirmDelete consumes ticket and removes the request on the backend, then
// from the working set, the pending set and the open detail view.
func (e *Engine) ConfirmDelete(ctx context.Context, ticket string) error {
	if !e.identity.IsAdmin() {
		return fmt.Errorf("%w: delete requires admin", errs.ErrForbidden)
	}
	e.mu.Lock()
	t, ok := e.tickets[ticket]
	delete(e.tickets, ticket)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: unknown or used", errs.ErrTicket)
	}
	if !e.now().Before(t.ExpiresAt) {
		e.mu.Unlock()
		return fmt.Errorf("%w: expired at %s", errs.ErrTicket, t.ExpiresAt.Format(time.RFC3339))
	}
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	if err := e.backend.DeleteRMA(ctx, t.RMAID); err != nil {
		return err
	}

	e.mu.Lock()
	e.requests = removeID(e.requests, t.RMAID)
	e.pending = removeID(e.pending, t.RMAID)
	if e.detail != nil && e.detail.ID == t.RMAID {
		e.detail = nil
	}
	if seq > e.applied[t.RMAID] {
		e.applied[t.RMAID] = seq
	}
	e.mu.Unlock()

	e.notify(ctx, "RMA deleted", fmt.Sprintf("RMA %s deleted", t.Label))
	return nil
}

// --- detail view and notes ---

// Open makes id the detail view.
func (e *Engine) Open(id string) (model.RMARequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.lookupLocked(id)
	if !ok {
		return model.RMARequest{}, fmt.Errorf("%w: rma %s", errs.ErrNotFound, id)
	}
	d := r.Clone()
	e.detail = &d
	return r.Clone(), nil
}

// Detail returns the open detail view.
func (e *Engine) Detail() (model.RMARequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detail == nil {
		return model.RMARequest{}, false
	}
	return e.detail.Clone(), true
}

// CloseDetail closes the detail view.
func (e *Engine) CloseDetail() {
	e.mu.Lock()
	e.detail = nil
	e.mu.Unlock()
}

// SetNotes stores the notes buffer used when a transition carries no notes.
func (e *Engine) SetNotes(s string) {
	e.mu.Lock()
	e.notes = s
	e.mu.Unlock()
}

// Notes returns the notes buffer.
func (e *Engine) Notes() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notes
}

func (e *Engine) notesOr(notes string) string {
	if notes = strings.TrimSpace(notes); notes != "" {
		return notes
	}
	return strings.TrimSpace(e.Notes())
}

// --- files ---

var fileTypes = map[string]bool{"invoice": true, "purchaseOrder": true, "photos": true, "additionalDocs": true}

// Download streams an attachment. index < 0 addresses single-file fields.
func (e *Engine) Download(ctx context.Context, id, fileType string, index int) (*api.Download, error) {
	if !fileTypes[fileType] {
		return nil, fmt.Errorf("%w: unknown file type %q", errs.ErrValidation, fileType)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", errs.ErrValidation)
	}
	return e.backend.DownloadRMAFile(ctx, id, fileType, index)
}

// --- projections ---

// Requests returns a copy of the working set in order.
func (e *Engine) Requests() []model.RMARequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.requests)
}

// Pending returns a copy of the pending-review set in order.
func (e *Engine) Pending() []model.RMARequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.pending)
}

// Get returns a request of the working set or the pending set.
func (e *Engine) Get(id string) (model.RMARequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.lookupLocked(id)
	return r.Clone(), ok
}

// Stats projects the working set.
func (e *Engine) Stats() model.RMAStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ComputeStats(e.requests)
}

// ComputeStats counts rs per status and per display bucket.
func ComputeStats(rs []model.RMARequest) model.RMAStats {
	st := model.RMAStats{ByStatus: make(map[model.Status]int, len(Order))}
	for _, s := range Order {
		st.ByStatus[s] = 0
	}
	for _, r := range rs {
		st.Total++
		st.ByStatus[r.Status]++
		switch {
		case r.Status == model.StatusPendingReview:
			st.Pending++
		case IsProcessing(r.Status):
			st.Processing++
		case r.Status == model.StatusCompleted:
			st.Completed++
		case r.Status == model.StatusRejected:
			st.Rejected++
		case r.Status == model.StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// --- helpers ---

func (e *Engine) actorName() string {
	if p, ok := e.identity.Principal(); ok {
		return p.Name
	}
	return ""
}

func (e *Engine) notify(ctx context.Context, title, msg string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Add(ctx, title, msg)
}

func (e *Engine) lookupLocked(id string) (model.RMARequest, bool) {
	if i := indexOf(e.requests, id); i >= 0 {
		return e.requests[i], true
	}
	if i := indexOf(e.pending, id); i >= 0 {
		return e.pending[i], true
	}
	return model.RMARequest{}, false
}

func indexOf(rs []model.RMARequest, id string) int {
	for i := range rs {
		if rs[i].ID == id {
			return i
		}
	}
	return -1
}

func upsert(rs []model.RMARequest, r model.RMARequest) []model.RMARequest {
	if i := indexOf(rs, r.ID); i >= 0 {
		rs[i] = r.Clone()
		return rs
	}
	return append(rs, r.Clone())
}

func removeID(rs []model.RMARequest, id string) []model.RMARequest {
	out := rs[:0]
	for _, r := range rs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func cloneAll(rs []model.RMARequest) []model.RMARequest {
	out := make([]model.RMARequest, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}
