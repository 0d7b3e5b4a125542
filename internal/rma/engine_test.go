package rma

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/rma-console/internal/api"
	"github.com/and161185/rma-console/internal/convert"
	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	all     []model.RMARequest
	mine    []model.RMARequest
	pending []model.RMARequest
	listErr error

	submitted model.RMASubmission
	created   *model.RMARequest
	createErr error

	// transition responses
	resp *model.RMARequest
	err  error
	// gates block UpdateRMAStatus per target status until closed
	gates map[model.Status]chan struct{}

	notes  string
	reason string

	deleteErr error
}

var _ Backend = (*fakeBackend)(nil)

func (f *fakeBackend) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) ListRMAs(context.Context) ([]model.RMARequest, error) {
	f.record("list")
	return f.all, f.listErr
}
func (f *fakeBackend) MyRMAs(context.Context) ([]model.RMARequest, error) {
	f.record("mine")
	return f.mine, f.listErr
}
func (f *fakeBackend) PendingRMAs(context.Context) ([]model.RMARequest, error) {
	f.record("pending")
	return f.pending, f.listErr
}
func (f *fakeBackend) RMAOverview(context.Context) (convert.Overview, error) {
	f.record("overview")
	return convert.Overview{Total: len(f.all)}, nil
}
func (f *fakeBackend) CreateRMA(_ context.Context, s model.RMASubmission) (*model.RMARequest, error) {
	f.record("create")
	f.submitted = s
	return f.created, f.createErr
}
func (f *fakeBackend) SubmitRMA(_ context.Context, s model.RMASubmission) (*model.RMARequest, error) {
	f.record("submit")
	f.submitted = s
	return f.created, f.createErr
}
func (f *fakeBackend) ApproveRMA(_ context.Context, id, notes string) (*model.RMARequest, error) {
	f.record("approve " + id)
	f.notes = notes
	return f.resp, f.err
}
func (f *fakeBackend) RejectRMA(_ context.Context, id, reason string) (*model.RMARequest, error) {
	f.record("reject " + id)
	f.reason = reason
	return f.resp, f.err
}
func (f *fakeBackend) UpdateRMAStatus(_ context.Context, id string, st model.Status, notes string) (*model.RMARequest, error) {
	f.record("status " + id + " " + string(st))
	f.mu.Lock()
	gate := f.gates[st]
	f.mu.Unlock()
	if gate != nil {
		<-gate
		r := &model.RMARequest{ID: id, RMANumber: "RMA-" + id, Status: st}
		return r, nil
	}
	f.notes = notes
	return f.resp, f.err
}
func (f *fakeBackend) DeleteRMA(_ context.Context, id string) error {
	f.record("delete " + id)
	return f.deleteErr
}
func (f *fakeBackend) DownloadRMAFile(_ context.Context, id, fileType string, index int) (*api.Download, error) {
	f.record("download " + id + " " + fileType)
	return &api.Download{Body: io.NopCloser(strings.NewReader("x")), Filename: "f"}, nil
}

type fakeIdentity struct {
	p  model.Principal
	ok bool
}

func (i fakeIdentity) Principal() (model.Principal, bool) { return i.p, i.ok }
func (i fakeIdentity) IsAdmin() bool                      { return i.ok && i.p.Roles.Has(model.RoleAdmin) }

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Add(_ context.Context, title, message string) model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, message)
	return model.Notification{ID: int64(len(n.msgs)), Title: title, Message: message}
}

func (n *fakeNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

var (
	admin = fakeIdentity{p: model.Principal{Name: "Ada", Email: "ada@example.com", Roles: model.NewRoleSet("admin")}, ok: true}
	user  = fakeIdentity{p: model.Principal{Name: "Uma", Email: "uma@example.com", Phone: "555", Roles: model.NewRoleSet("user")}, ok: true}
	anon  = fakeIdentity{}
)

func seed() []model.RMARequest {
	return []model.RMARequest{
		{ID: "1", RMANumber: "RMA-1", Status: model.StatusPendingReview, Attachments: []model.Attachment{}},
		{ID: "2", RMANumber: "RMA-2", Status: model.StatusReceivedByVendor, Attachments: []model.Attachment{}},
		{ID: "3", RMANumber: "RMA-3", Status: model.StatusUnderRepair, Attachments: []model.Attachment{}},
	}
}

func newEngine(t *testing.T, id Identity) (*Engine, *fakeBackend, *fakeNotifier) {
	t.Helper()
	b := &fakeBackend{all: seed(), mine: seed()[:1], pending: seed()[:1]}
	n := &fakeNotifier{}
	e := NewEngine(b, id, n, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, e.Load(context.Background()))
	if id.IsAdmin() {
		require.NoError(t, e.LoadPending(context.Background()))
	}
	return e, b, n
}

func TestEngine_LoadByRole(t *testing.T) {
	t.Parallel()
	e, b, _ := newEngine(t, admin)
	require.Len(t, e.Requests(), 3)
	require.Len(t, e.Pending(), 1)
	require.Equal(t, []string{"list", "pending"}, b.Calls())

	e, b, _ = newEngine(t, user)
	require.Len(t, e.Requests(), 1)
	require.Equal(t, []string{"mine"}, b.Calls())
	require.ErrorIs(t, e.LoadPending(context.Background()), errs.ErrForbidden)
}

func TestEngine_LoadErrorKeepsWorkingSet(t *testing.T) {
	t.Parallel()
	e, b, _ := newEngine(t, admin)
	b.listErr = errs.ErrNetwork
	require.ErrorIs(t, e.Load(context.Background()), errs.ErrNetwork)
	require.Len(t, e.Requests(), 3)
}

func TestEngine_ApproveScenario(t *testing.T) {
	t.Parallel()
	e, b, n := newEngine(t, admin)

	got, err := e.Approve(context.Background(), "1", "looks good")
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, got.Status)
	require.Equal(t, "Ada", got.ApprovedBy)
	require.Equal(t, "looks good", got.AdminNotes)
	require.Equal(t, "looks good", b.notes)

	require.Empty(t, e.Pending())
	r, ok := e.Get("1")
	require.True(t, ok)
	require.Equal(t, model.StatusApproved, r.Status)
	require.Equal(t, []string{"RMA RMA-1 approved"}, n.Messages())
}

func TestEngine_ServerBodyIsAuthoritative(t *testing.T) {
	t.Parallel()
	e, b, _ := newEngine(t, admin)
	b.resp = &model.RMARequest{ID: "1", RMANumber: "RMA-1", Status: model.StatusApproved, ApprovedBy: "Server Ada"}

	got, err := e.Approve(context.Background(), "1", "")
	require.NoError(t, err)
	require.Equal(t, "Server Ada", got.ApprovedBy)
	require.NotNil(t, got.Attachments)
}

func TestEngine_RejectDefaultsReason(t *testing.T) {
	t.Parallel()
	e, b, n := newEngine(t, admin)

	got, err := e.Reject(context.Background(), "1", "  ")
	require.NoError(t, err)
	require.Equal(t, model.StatusRejected, got.Status)
	require.Equal(t, DefaultRejectReason, got.RejectionReason)
	require.Equal(t, DefaultRejectReason, b.reason)
	require.Equal(t, "Ada", got.RejectedBy)
	require.Empty(t, e.Pending())
	require.Equal(t, []string{"RMA RMA-1 rejected"}, n.Messages())
}

func TestEngine_InvalidAdvanceScenario(t *testing.T) {
	t.Parallel()
	e, b, n := newEngine(t, admin)

	_, err := e.Advance(context.Background(), "1", model.StatusUnderRepair, "")
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	r, _ := e.Get("1")
	require.Equal(t, model.StatusPendingReview, r.Status)
	require.Empty(t, n.Messages())
	require.NotContains(t, b.Calls(), "status 1 under_repair")
}

func TestEngine_AdvanceRefusesDecisions(t *testing.T) {
	t.Parallel()
	e, b, n := newEngine(t, admin)

	for _, to := range []model.Status{model.StatusApproved, model.StatusRejected} {
		r, err := e.Advance(context.Background(), "1", to, "")
		require.ErrorIs(t, err, errs.ErrInvalidTransition, "%s must go through approve/reject", to)
		require.Equal(t, model.StatusPendingReview, r.Status)
	}
	_, err := e.Advance(context.Background(), "nope", model.StatusApproved, "")
	require.ErrorIs(t, err, errs.ErrNotFound)

	r, _ := e.Get("1")
	require.Equal(t, model.StatusPendingReview, r.Status)
	require.Empty(t, r.ApprovedBy)
	require.Empty(t, n.Messages())
	require.NotContains(t, b.Calls(), "status 1 approved")
	require.NotContains(t, b.Calls(), "status 1 rejected")
}

func TestEngine_AdvanceAlongEdge(t *testing.T) {
	t.Parallel()
	e, b, n := newEngine(t, admin)
	e.SetNotes("parts ordered")

	before := e.Requests()
	got, err := e.Advance(context.Background(), "2", model.StatusUnderRepair, "")
	require.NoError(t, err)
	require.Equal(t, model.StatusUnderRepair, got.Status)
	require.Equal(t, "parts ordered", b.notes)
	require.Empty(t, e.Notes(), "notes buffer is cleared on success")
	require.Equal(t, []string{"RMA RMA-2 moved to under_repair"}, n.Messages())

	after := e.Requests()
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].ID, after[i].ID, "order preserved")
	}
}

func TestEngine_NonAdminRefused(t *testing.T) {
	t.Parallel()
	e, b, n := newEngine(t, user)

	_, err := e.Approve(context.Background(), "1", "")
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = e.Reject(context.Background(), "1", "")
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = e.Advance(context.Background(), "1", model.StatusCancelled, "")
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = e.RequestDelete("1")
	require.ErrorIs(t, err, errs.ErrForbidden)

	r, _ := e.Get("1")
	require.Equal(t, model.StatusPendingReview, r.Status)
	require.Equal(t, []string{"mine"}, b.Calls())
	require.Empty(t, n.Messages())
}

func TestEngine_UnknownID(t *testing.T) {
	t.Parallel()
	e, b, _ := newEngine(t, admin)
	_, err := e.Approve(context.Background(), "nope", "")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Equal(t, []string{"list", "pending"}, b.Calls())
}

func TestEngine_ServerFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	for _, failure := range []error{errs.ErrNetwork, errs.ErrUnauthorized, errs.ErrNotFound, errs.ErrValidation, errs.ErrConflict} {
		e, b, n := newEngine(t, admin)
		e.SetNotes("keep me")
		b.err = &api.Error{Status: 400, Kind: failure}

		_, err := e.Approve(context.Background(), "1", "")
		require.ErrorIs(t, err, failure)

		r, _ := e.Get("1")
		require.Equal(t, model.StatusPendingReview, r.Status)
		require.Empty(t, r.ApprovedBy)
		require.Len(t, e.Pending(), 1)
		require.Equal(t, "keep me", e.Notes())
		require.Empty(t, n.Messages())
	}
}

func TestEngine_LastConfirmedResponseWins(t *testing.T) {
	t.Parallel()
	e, b, _ := newEngine(t, admin)
	b.err = errs.ErrNetwork
	_, err := e.Advance(context.Background(), "3", model.StatusRepaired, "")
	require.Error(t, err)

	b.err = nil
	_, err = e.Advance(context.Background(), "3", model.StatusReplaced, "")
	require.NoError(t, err)

	r, _ := e.Get("3")
	require.Equal(t, model.StatusReplaced, r.Status)
}

func TestEngine_StaleResponseDiscarded(t *testing.T) {
	t.Parallel()
	e, b, _ := newEngine(t, admin)
	slow, fast := make(chan struct{}), make(chan struct{})
	b.gates = map[model.Status]chan struct{}{model.StatusRepaired: slow, model.StatusReplaced: fast}

	slowErr := make(chan error, 1)
	go func() {
		_, err := e.Advance(context.Background(), "3", model.StatusRepaired, "")
		slowErr <- err
	}()
	require.Eventually(t, func() bool {
		for _, c := range b.Calls() {
			if c == "status 3 repaired" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(fast)
	got, err := e.Advance(context.Background(), "3", model.StatusReplaced, "")
	require.NoError(t, err)
	require.Equal(t, model.StatusReplaced, got.Status)

	close(slow)
	require.ErrorIs(t, <-slowErr, errs.ErrStale)

	r, _ := e.Get("3")
	require.Equal(t, model.StatusReplaced, r.Status)
}

func TestEngine_DetailFollowsTransitions(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t, admin)

	_, ok := e.Detail()
	require.False(t, ok)
	_, err := e.Open("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.Open("1")
	require.NoError(t, err)
	_, err = e.Approve(context.Background(), "1", "")
	require.NoError(t, err)

	d, ok := e.Detail()
	require.True(t, ok)
	require.Equal(t, model.StatusApproved, d.Status)

	e.CloseDetail()
	_, ok = e.Detail()
	require.False(t, ok)
}

func TestEngine_TwoPhaseDelete(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &fakeBackend{all: seed(), pending: seed()[:1]}
	n := &fakeNotifier{}
	e := NewEngine(b, admin, n, WithClock(func() time.Time { return now }), WithTicketTTL(10*time.Second))
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))
	require.NoError(t, e.LoadPending(ctx))
	_, err := e.Open("1")
	require.NoError(t, err)

	_, err = e.RequestDelete("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	tk, err := e.RequestDelete("1")
	require.NoError(t, err)
	require.Equal(t, "RMA-1", tk.Label)
	require.NotContains(t, b.Calls(), "delete 1", "first phase must not call the backend")

	require.NoError(t, e.ConfirmDelete(ctx, tk.ID))
	require.Contains(t, b.Calls(), "delete 1")
	_, ok := e.Get("1")
	require.False(t, ok)
	require.Empty(t, e.Pending())
	_, ok = e.Detail()
	require.False(t, ok)
	require.Equal(t, []string{"RMA RMA-1 deleted"}, n.Messages())

	require.ErrorIs(t, e.ConfirmDelete(ctx, tk.ID), errs.ErrTicket, "tickets are single use")

	tk, err = e.RequestDelete("2")
	require.NoError(t, err)
	now = now.Add(11 * time.Second)
	require.ErrorIs(t, e.ConfirmDelete(ctx, tk.ID), errs.ErrTicket)
	_, ok = e.Get("2")
	require.True(t, ok)
}

func TestEngine_DeleteFailureKeepsRequest(t *testing.T) {
	t.Parallel()
	e, b, _ := newEngine(t, admin)
	b.deleteErr = errs.ErrNotFound
	tk, err := e.RequestDelete("2")
	require.NoError(t, err)
	require.ErrorIs(t, e.ConfirmDelete(context.Background(), tk.ID), errs.ErrNotFound)
	_, ok := e.Get("2")
	require.True(t, ok)
}

func TestEngine_SubmitScenario(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 2, 2, 12, 0, 0, 0, time.UTC)
	b := &fakeBackend{created: &model.RMARequest{ID: "9", RMANumber: "RMA-9", Status: model.StatusPendingReview}}
	n := &fakeNotifier{}
	e := NewEngine(b, user, n, WithClock(func() time.Time { return now }))

	got, err := e.Submit(context.Background(), model.RMASubmission{
		SerialNumber:     "SN1",
		Type:             model.TypeRepair,
		IssueDescription: "cracked screen",
		ReportedBy:       "spoofed",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusPendingReview, got.Status)
	require.Equal(t, "Uma", got.ReportedBy.Name)
	require.Equal(t, now, got.CreatedAt)
	require.NotNil(t, got.Attachments)
	require.Empty(t, got.Attachments)

	require.Equal(t, "Uma", b.submitted.ReportedBy)
	require.Equal(t, "uma@example.com", b.submitted.ReportedByEmail)
	require.Equal(t, model.PriorityMedium, b.submitted.Priority)

	require.Len(t, e.Requests(), 1)
	require.Len(t, e.Pending(), 1)
	require.Equal(t, []string{"RMA RMA-9 submitted"}, n.Messages())
}

func TestEngine_SubmitValidation(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	e := NewEngine(b, user, nil)
	ctx := context.Background()

	cases := []model.RMASubmission{
		{Type: model.TypeRepair, IssueDescription: "x"},
		{SerialNumber: "SN", Type: "exchange", IssueDescription: "x"},
		{SerialNumber: "SN", Type: model.TypeRefund},
		{SerialNumber: "SN", Type: model.TypeRefund, IssueDescription: "x", Priority: "urgent"},
		{SerialNumber: "SN", Type: model.TypeRefund, IssueDescription: "x",
			Files: []model.Upload{{Field: "selfie", Name: "a.jpg", Data: strings.NewReader("")}}},
	}
	for i, s := range cases {
		_, err := e.Submit(ctx, s)
		require.ErrorIs(t, err, errs.ErrValidation, "case %d", i)
	}
	require.Empty(t, b.Calls())

	_, err := NewEngine(b, anon, nil).Submit(ctx, model.RMASubmission{SerialNumber: "SN", Type: model.TypeRepair, IssueDescription: "x"})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestEngine_CreateRejectsFiles(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{created: &model.RMARequest{ID: "5"}}
	e := NewEngine(b, user, nil)
	ctx := context.Background()

	_, err := e.Create(ctx, model.RMASubmission{Files: []model.Upload{{}}})
	require.ErrorIs(t, err, errs.ErrValidation)

	got, err := e.Create(ctx, model.RMASubmission{SerialNumber: "SN", Type: "Refund", IssueDescription: "x"})
	require.NoError(t, err)
	require.Equal(t, model.StatusPendingReview, got.Status)
	require.Equal(t, model.TypeRefund, b.submitted.Type)

	b.created = nil
	_, err = e.Create(ctx, model.RMASubmission{SerialNumber: "SN", Type: "refund", IssueDescription: "x"})
	require.ErrorIs(t, err, errs.ErrServer)
}

func TestEngine_StatsAreDerived(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t, admin)
	st := e.Stats()
	require.Equal(t, 3, st.Total)
	require.Equal(t, 1, st.Pending)
	require.Equal(t, 2, st.Processing)
	require.Equal(t, 1, st.ByStatus[model.StatusUnderRepair])
	require.Equal(t, 0, st.ByStatus[model.StatusCompleted])

	_, err := e.Reject(context.Background(), "1", "")
	require.NoError(t, err)
	st = e.Stats()
	require.Equal(t, 0, st.Pending)
	require.Equal(t, 1, st.Rejected)
	require.Equal(t, 3, st.Total)
}

func TestEngine_Download(t *testing.T) {
	t.Parallel()
	e, b, _ := newEngine(t, admin)
	_, err := e.Download(context.Background(), "1", "selfie", 0)
	require.ErrorIs(t, err, errs.ErrValidation)

	d, err := e.Download(context.Background(), "1", "photos", 0)
	require.NoError(t, err)
	require.NoError(t, d.Body.Close())
	require.Contains(t, b.Calls(), "download 1 photos")
}

func TestEngine_RequestsAreCopies(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t, admin)
	rs := e.Requests()
	rs[0].Status = model.StatusCompleted
	r, _ := e.Get(rs[0].ID)
	require.Equal(t, model.StatusPendingReview, r.Status)
}
