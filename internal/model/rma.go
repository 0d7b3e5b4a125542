// Package model defines domain entities shared by the console services.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/and161185/rma-console/internal/errs"
)

// Status is a granular RMA lifecycle state.
type Status string

// RMA statuses. Terminal: completed, rejected, cancelled.
const (
	StatusPendingReview     Status = "pending_review"
	StatusApproved          Status = "approved"
	StatusInTransitToVendor Status = "in_transit_to_vendor"
	StatusReceivedByVendor  Status = "received_by_vendor"
	StatusUnderRepair       Status = "under_repair"
	StatusRepaired          Status = "repaired"
	StatusReplaced          Status = "replaced"
	StatusInTransitToClient Status = "in_transit_to_client"
	StatusCompleted         Status = "completed"
	StatusRejected          Status = "rejected"
	StatusCancelled         Status = "cancelled"
)

// RMAType is the requested remedy.
type RMAType string

const (
	TypeRepair      RMAType = "repair"
	TypeReplacement RMAType = "replacement"
	TypeRefund      RMAType = "refund"
)

// Priority of an RMA request.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// AttachmentKind is the mime category of an uploaded file.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment references a file stored by the backend.
type Attachment struct {
	URL   string         `json:"url"`
	Kind  AttachmentKind `json:"kind"`
	Field string         `json:"field,omitempty"` // invoice, purchaseOrder, photos, additionalDocs
	Name  string         `json:"name,omitempty"`
}

// Actor is a person captured on a request at submission or transition time.
type Actor struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// RMARequest is a single return merchandise authorization.
type RMARequest struct {
	ID               string       `json:"id"`
	RMANumber        string       `json:"rmaNumber"`
	SerialNumber     string       `json:"serialNumber"`
	InvoiceNumber    string       `json:"invoiceNumber,omitempty"`
	PONumber         string       `json:"poNumber,omitempty"`
	Type             RMAType      `json:"rmaType"`
	Priority         Priority     `json:"priority"`
	IssueDescription string       `json:"issueDescription"`
	Description      string       `json:"description,omitempty"`
	Reason           string       `json:"reason,omitempty"`
	AdminNotes       string       `json:"adminNotes,omitempty"`
	Attachments      []Attachment `json:"attachments"`
	Status           Status       `json:"status"`
	ReportedBy       Actor        `json:"reportedBy"`
	ApprovedBy       string       `json:"approvedBy,omitempty"`
	RejectedBy       string       `json:"rejectedBy,omitempty"`
	RejectionReason  string       `json:"rejectionReason,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Label returns the human-readable number, falling back to the id.
func (r RMARequest) Label() string {
	if r.RMANumber != "" {
		return r.RMANumber
	}
	return r.ID
}

// Clone returns a deep copy safe to hand out of a store.
func (r RMARequest) Clone() RMARequest {
	c := r
	if r.Attachments != nil {
		c.Attachments = append(make([]Attachment, 0, len(r.Attachments)), r.Attachments...)
	}
	return c
}

// RMAStats is a projection over a set of requests.
type RMAStats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"byStatus"`
	Pending    int            `json:"pending"`
	Processing int            `json:"processing"`
	Completed  int            `json:"completed"`
	Rejected   int            `json:"rejected"`
	Cancelled  int            `json:"cancelled"`
}

var statuses = map[Status]struct{}{
	StatusPendingReview: {}, StatusApproved: {}, StatusInTransitToVendor: {},
	StatusReceivedByVendor: {}, StatusUnderRepair: {}, StatusRepaired: {},
	StatusReplaced: {}, StatusInTransitToClient: {}, StatusCompleted: {},
	StatusRejected: {}, StatusCancelled: {},
}

// Valid reports whether s belongs to the granular vocabulary.
func (s Status) Valid() bool {
	_, ok := statuses[s]
	return ok
}

// ParseStatus parses a granular status. The summary alias "pending" maps to
// pending_review; "processing" is a display bucket and is rejected because it
// does not name a single state.
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	if v == "pending" {
		return StatusPendingReview, nil
	}
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", errs.ErrValidation, v)
	}
	return s, nil
}
