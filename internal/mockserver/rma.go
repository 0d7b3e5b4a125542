package mockserver

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"

	"github.com/and161185/rma-console/internal/convert"
	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
	"github.com/and161185/rma-console/internal/rma"
)

// Multipart file fields accepted by /api/rma/submit.
var fileFields = []string{"invoice", "purchaseOrder", "photos", "additionalDocs"}

const maxUpload = 32 << 20

type storedFile struct {
	name        string
	contentType string
	data        []byte
}

// rmaStore keeps requests in creation order. All writes are serialized.
type rmaStore struct {
	now      func() time.Time
	validate *validator.Validate

	mu    sync.Mutex
	order []string
	byID  map[string]*model.RMARequest
	files map[string]map[string][]storedFile
	seq   int
}

func newRMAStore(seed []model.RMARequest) *rmaStore {
	s := &rmaStore{
		now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		byID:     map[string]*model.RMARequest{},
		files:    map[string]map[string][]storedFile{},
	}
	for _, r := range seed {
		r := r.Clone()
		s.order = append(s.order, r.ID)
		s.byID[r.ID] = &r
		s.seq++
	}
	return s
}

// visible returns requests in order, filtered by keep.
func (s *rmaStore) visible(keep func(model.RMARequest) bool) []convert.RMA {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []convert.RMA{}
	for _, id := range s.order {
		r := s.byID[id]
		if keep == nil || keep(*r) {
			out = append(out, convert.ToWireRMA(*r))
		}
	}
	return out
}

func (s *rmaStore) add(sub model.RMASubmission, p model.Principal, files map[string][]storedFile) (model.RMARequest, error) {
	sub.Type = model.RMAType(strings.ToLower(strings.TrimSpace(string(sub.Type))))
	sub.Priority = model.Priority(strings.ToLower(strings.TrimSpace(string(sub.Priority))))
	if sub.Priority == "" {
		sub.Priority = model.PriorityMedium
	}
	sub.Files = nil
	if err := s.validate.Struct(sub); err != nil {
		return model.RMARequest{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return model.RMARequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.now().UTC()
	r := model.RMARequest{
		ID:               uid.String(),
		RMANumber:        fmt.Sprintf("RMA-%06d", s.seq),
		SerialNumber:     sub.SerialNumber,
		InvoiceNumber:    sub.InvoiceNumber,
		PONumber:         sub.PONumber,
		Type:             sub.Type,
		Priority:         sub.Priority,
		IssueDescription: sub.IssueDescription,
		Description:      sub.Description,
		Reason:           sub.Reason,
		Status:           model.StatusPendingReview,
		ReportedBy: model.Actor{
			Name:  firstNonEmpty(sub.ReportedBy, p.Name),
			Email: p.Email,
			Phone: firstNonEmpty(sub.ReportedByPhone, p.Phone),
		},
		Attachments: []model.Attachment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, field := range fileFields {
		for i, f := range files[field] {
			r.Attachments = append(r.Attachments, model.Attachment{
				URL:   fmt.Sprintf("/api/rma/%s/download/%s/%d", r.ID, field, i),
				Kind:  convert.AttachmentKind(f.contentType, f.name),
				Field: field,
				Name:  f.name,
			})
		}
	}
	s.order = append(s.order, r.ID)
	s.byID[r.ID] = &r
	if len(files) > 0 {
		s.files[r.ID] = files
	}
	return r.Clone(), nil
}

// transition applies fn to the request with id after checking the edge
// from its current status to next.
func (s *rmaStore) transition(id string, next model.Status, fn func(r *model.RMARequest)) (model.RMARequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return model.RMARequest{}, fmt.Errorf("%w: rma %s", errs.ErrNotFound, id)
	}
	if err := rma.CheckTransition(r.Status, next); err != nil {
		return model.RMARequest{}, err
	}
	r.Status = next
	r.UpdatedAt = s.now().UTC()
	if fn != nil {
		fn(r)
	}
	return r.Clone(), nil
}

func (s *rmaStore) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	delete(s.files, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *rmaStore) file(id, field string, index int) (storedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.files[id][field]
	if index < 0 || index >= len(fs) {
		return storedFile{}, false
	}
	return fs[index], true
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// --- handlers ---

func (s *Server) mountRMA(r *mux.Router) {
	r.HandleFunc("/api/rma", admin(func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, s.rmas.visible(nil))
	})).Methods(http.MethodGet)

	r.HandleFunc("/api/rma/my-requests", func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r.Context())
		writeData(w, http.StatusOK, s.rmas.visible(func(x model.RMARequest) bool {
			return strings.EqualFold(x.ReportedBy.Email, p.Email)
		}))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/rma/admin/pending", admin(func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, s.rmas.visible(func(x model.RMARequest) bool {
			return x.Status == model.StatusPendingReview
		}))
	})).Methods(http.MethodGet)

	r.HandleFunc("/api/rma/stats/overview", s.handleOverview).Methods(http.MethodGet)
	r.HandleFunc("/api/rma", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/rma/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/rma/{id}/approve", admin(s.handleApprove)).Methods(http.MethodPut)
	r.HandleFunc("/api/rma/{id}/reject", admin(s.handleReject)).Methods(http.MethodPut)
	r.HandleFunc("/api/rma/{id}/status", admin(s.handleStatus)).Methods(http.MethodPut)
	r.HandleFunc("/api/rma/{id}", admin(s.handleDelete)).Methods(http.MethodDelete)
	r.HandleFunc("/api/rma/{id}/download/{field}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/rma/{id}/download/{field}/{index:[0-9]+}", s.handleDownload).Methods(http.MethodGet)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	isAdmin := p.Roles.Has(model.RoleAdmin)
	list := s.rmas.visible(func(x model.RMARequest) bool {
		return isAdmin || strings.EqualFold(x.ReportedBy.Email, p.Email)
	})
	ov := convert.Overview{Total: len(list), ByStatus: map[string]int{}}
	for _, x := range list {
		ov.ByStatus[x.Status]++
	}
	writeData(w, http.StatusOK, ov)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var sub model.RMASubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	out, err := s.rmas.add(sub, p, nil)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusCreated, convert.ToWireRMA(out))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	sub := model.RMASubmission{
		SerialNumber:     r.FormValue("serialNumber"),
		InvoiceNumber:    r.FormValue("invoiceNumber"),
		PONumber:         r.FormValue("poNumber"),
		Type:             model.RMAType(r.FormValue("rmaType")),
		Priority:         model.Priority(r.FormValue("priority")),
		Reason:           r.FormValue("reason"),
		IssueDescription: r.FormValue("issueDescription"),
		Description:      r.FormValue("description"),
		ReportedBy:       r.FormValue("reportedBy"),
		ReportedByEmail:  r.FormValue("reportedByEmail"),
		ReportedByPhone:  r.FormValue("reportedByPhone"),
	}
	files := map[string][]storedFile{}
	for _, field := range fileFields {
		for _, fh := range r.MultipartForm.File[field] {
			f, err := fh.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable file "+fh.Filename)
				return
			}
			b, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable file "+fh.Filename)
				return
			}
			files[field] = append(files[field], storedFile{
				name:        fh.Filename,
				contentType: fh.Header.Get("Content-Type"),
				data:        b,
			})
		}
	}
	out, err := s.rmas.add(sub, p, files)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusCreated, convert.ToWireRMA(out))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var in struct {
		AdminNotes string `json:"adminNotes"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	out, err := s.rmas.transition(mux.Vars(r)["id"], model.StatusApproved, func(x *model.RMARequest) {
		x.ApprovedBy = p.Name
		if in.AdminNotes != "" {
			x.AdminNotes = in.AdminNotes
		}
	})
	s.writeTransition(w, out, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var in struct {
		RejectionReason string `json:"rejectionReason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	out, err := s.rmas.transition(mux.Vars(r)["id"], model.StatusRejected, func(x *model.RMARequest) {
		x.RejectedBy = p.Name
		x.RejectionReason = firstNonEmpty(in.RejectionReason, rma.DefaultRejectReason)
	})
	s.writeTransition(w, out, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status     string `json:"status"`
		AdminNotes string `json:"adminNotes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	next, err := model.ParseStatus(in.Status)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if rma.IsDecision(next) {
		writeFailure(w, fmt.Errorf("%w: use the approve or reject endpoint", errs.ErrInvalidTransition))
		return
	}
	out, err := s.rmas.transition(mux.Vars(r)["id"], next, func(x *model.RMARequest) {
		if in.AdminNotes != "" {
			x.AdminNotes = in.AdminNotes
		}
	})
	s.writeTransition(w, out, err)
}

func (s *Server) writeTransition(w http.ResponseWriter, out model.RMARequest, err error) {
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, convert.ToWireRMA(out))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.rmas.remove(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "rma not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index := 0
	if v, ok := vars["index"]; ok {
		index, _ = strconv.Atoi(v)
	}
	f, ok := s.rmas.file(vars["id"], vars["field"], index)
	if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	ct := f.contentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(f.data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.data)
}
