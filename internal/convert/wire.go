// Package convert maps backend JSON documents to domain entities and back.
package convert

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/and161185/rma-console/internal/model"
)

// --- wire types ---

// File is an uploaded file as the backend describes it.
type File struct {
	URL          string `json:"url,omitempty"`
	Path         string `json:"path,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	MimeType     string `json:"mimetype,omitempty"`
}

// Person is either a bare name string or an object on the wire.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// UnmarshalJSON accepts "Name" or {"name":..., "email":...}.
func (p *Person) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = Person{Name: s}
		return nil
	}
	type plain Person
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Person(v)
	return nil
}

// RMA is the backend representation of an RMA request.
type RMA struct {
	ID               string             `json:"id,omitempty"`
	MongoID          string             `json:"_id,omitempty"`
	RMANumber        string             `json:"rmaNumber,omitempty"`
	SerialNumber     string             `json:"serialNumber"`
	InvoiceNumber    string             `json:"invoiceNumber,omitempty"`
	PONumber         string             `json:"poNumber,omitempty"`
	RMAType          string             `json:"rmaType"`
	Priority         string             `json:"priority,omitempty"`
	IssueDescription string             `json:"issueDescription"`
	Description      string             `json:"description,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	AdminNotes       string             `json:"adminNotes,omitempty"`
	Status           string             `json:"status"`
	ReportedBy       *Person            `json:"reportedBy,omitempty"`
	ReportedByEmail  string             `json:"reportedByEmail,omitempty"`
	ReportedByPhone  string             `json:"reportedByPhone,omitempty"`
	ApprovedBy       *Person            `json:"approvedBy,omitempty"`
	RejectedBy       *Person            `json:"rejectedBy,omitempty"`
	RejectionReason  string             `json:"rejectionReason,omitempty"`
	Attachments      []model.Attachment `json:"attachments,omitempty"`
	Invoice          *File              `json:"invoice,omitempty"`
	PurchaseOrder    *File              `json:"purchaseOrder,omitempty"`
	Photos           []File             `json:"photos,omitempty"`
	AdditionalDocs   []File             `json:"additionalDocs,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// --- helpers ---

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// AttachmentKind classifies a file by mime type, then by extension.
func AttachmentKind(mimeType, name string) model.AttachmentKind {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return model.AttachmentImage
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".heic":
		return model.AttachmentImage
	}
	return model.AttachmentDocument
}

func fileAttachment(field string, f File) model.Attachment {
	name := f.OriginalName
	if name == "" && f.Path != "" {
		name = path.Base(f.Path)
	}
	return model.Attachment{
		URL:   firstNonEmpty(f.URL, f.Path),
		Kind:  AttachmentKind(f.MimeType, name),
		Field: field,
		Name:  name,
	}
}

func personName(p *Person) string {
	if p == nil {
		return ""
	}
	return p.Name
}

// --- RMA (server -> client) ---

// FromWireRMA converts a backend RMA document. Unknown statuses are an error:
// the summary vocabulary is not interchangeable with lifecycle states.
func FromWireRMA(w RMA) (model.RMARequest, error) {
	id := firstNonEmpty(w.ID, w.MongoID)
	if id == "" {
		return model.RMARequest{}, fmt.Errorf("rma: missing id")
	}
	st, err := model.ParseStatus(w.Status)
	if err != nil {
		return model.RMARequest{}, fmt.Errorf("rma %s: %w", id, err)
	}

	out := model.RMARequest{
		ID:               id,
		RMANumber:        w.RMANumber,
		SerialNumber:     w.SerialNumber,
		InvoiceNumber:    w.InvoiceNumber,
		PONumber:         w.PONumber,
		Type:             model.RMAType(strings.ToLower(w.RMAType)),
		Priority:         model.Priority(strings.ToLower(firstNonEmpty(w.Priority, string(model.PriorityMedium)))),
		IssueDescription: w.IssueDescription,
		Description:      w.Description,
		Reason:           w.Reason,
		AdminNotes:       w.AdminNotes,
		Status:           st,
		ApprovedBy:       personName(w.ApprovedBy),
		RejectedBy:       personName(w.RejectedBy),
		RejectionReason:  w.RejectionReason,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
		Attachments:      []model.Attachment{},
	}
	if w.ReportedBy != nil {
		out.ReportedBy = model.Actor{Name: w.ReportedBy.Name, Email: w.ReportedBy.Email, Phone: w.ReportedBy.Phone}
	}
	out.ReportedBy.Email = firstNonEmpty(out.ReportedBy.Email, w.ReportedByEmail)
	out.ReportedBy.Phone = firstNonEmpty(out.ReportedBy.Phone, w.ReportedByPhone)

	out.Attachments = append(out.Attachments, w.Attachments...)
	if w.Invoice != nil {
		out.Attachments = append(out.Attachments, fileAttachment("invoice", *w.Invoice))
	}
	if w.PurchaseOrder != nil {
		out.Attachments = append(out.Attachments, fileAttachment("purchaseOrder", *w.PurchaseOrder))
	}
	for _, f := range w.Photos {
		out.Attachments = append(out.Attachments, fileAttachment("photos", f))
	}
	for _, f := range w.AdditionalDocs {
		out.Attachments = append(out.Attachments, fileAttachment("additionalDocs", f))
	}
	return out, nil
}

// FromWireRMAs converts a list; records that cannot be converted are returned
// as skipped errors so the caller can log them without failing the whole page.
func FromWireRMAs(in []RMA) ([]model.RMARequest, []error) {
	out := make([]model.RMARequest, 0, len(in))
	var skipped []error
	for i, w := range in {
		m, err := FromWireRMA(w)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("item[%d]: %w", i, err))
			continue
		}
		out = append(out, m)
	}
	return out, skipped
}

// --- RMA (client -> server) ---

// ToWireRMA converts a domain request into the backend document shape.
func ToWireRMA(r model.RMARequest) RMA {
	w := RMA{
		ID:               r.ID,
		RMANumber:        r.RMANumber,
		SerialNumber:     r.SerialNumber,
		InvoiceNumber:    r.InvoiceNumber,
		PONumber:         r.PONumber,
		RMAType:          string(r.Type),
		Priority:         string(r.Priority),
		IssueDescription: r.IssueDescription,
		Description:      r.Description,
		Reason:           r.Reason,
		AdminNotes:       r.AdminNotes,
		Status:           string(r.Status),
		ReportedBy:       &Person{Name: r.ReportedBy.Name, Email: r.ReportedBy.Email, Phone: r.ReportedBy.Phone},
		ReportedByEmail:  r.ReportedBy.Email,
		ReportedByPhone:  r.ReportedBy.Phone,
		RejectionReason:  r.RejectionReason,
		Attachments:      r.Attachments,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.ApprovedBy != "" {
		w.ApprovedBy = &Person{Name: r.ApprovedBy}
	}
	if r.RejectedBy != "" {
		w.RejectedBy = &Person{Name: r.RejectedBy}
	}
	return w
}

// SubmissionFields returns the multipart text fields of a submission in a stable order.
func SubmissionFields(s model.RMASubmission) [][2]string {
	return [][2]string{
		{"serialNumber", s.SerialNumber},
		{"invoiceNumber", s.InvoiceNumber},
		{"poNumber", s.PONumber},
		{"rmaType", string(s.Type)},
		{"reason", s.Reason},
		{"issueDescription", s.IssueDescription},
		{"description", s.Description},
		{"reportedBy", s.ReportedBy},
		{"reportedByEmail", s.ReportedByEmail},
		{"reportedByPhone", s.ReportedByPhone},
		{"priority", string(s.Priority)},
	}
}

// --- stats ---

// Overview is the /api/rma/stats/overview document.
type Overview struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

// --- principal ---

// LoginResponse is the /api/auth/login document.
type LoginResponse struct {
	Token       string          `json:"token"`
	AccessToken string          `json:"accessToken"`
	User        model.Principal `json:"user"`
}

// Principal returns the logged-in principal with its token attached.
func (l LoginResponse) Principal() model.Principal {
	p := l.User
	p.Token = firstNonEmpty(l.Token, l.AccessToken)
	return p
}
