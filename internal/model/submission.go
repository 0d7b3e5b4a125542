package model

import "io"

// Upload is a file attached to an RMA submission.
type Upload struct {
	Field       string    `validate:"required,oneof=invoice purchaseOrder photos additionalDocs"`
	Name        string    `validate:"required,max=255"`
	ContentType string    `validate:"omitempty,max=127"`
	Data        io.Reader `validate:"required"`
}

// RMASubmission is the input of a new RMA request. ReportedBy* fields are
// stamped from the session by the engine, never taken from the caller.
type RMASubmission struct {
	SerialNumber     string   `json:"serialNumber" validate:"required,max=64"`
	InvoiceNumber    string   `json:"invoiceNumber,omitempty" validate:"omitempty,max=64"`
	PONumber         string   `json:"poNumber,omitempty" validate:"omitempty,max=64"`
	Type             RMAType  `json:"rmaType" validate:"required,oneof=repair replacement refund"`
	Priority         Priority `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	Reason           string   `json:"reason,omitempty" validate:"omitempty,max=500"`
	IssueDescription string   `json:"issueDescription" validate:"required,max=4000"`
	Description      string   `json:"description,omitempty" validate:"omitempty,max=4000"`
	ReportedBy       string   `json:"reportedBy"`
	ReportedByEmail  string   `json:"reportedByEmail,omitempty"`
	ReportedByPhone  string   `json:"reportedByPhone,omitempty"`
	Files            []Upload `json:"-" validate:"dive"`
}
