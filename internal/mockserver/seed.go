package mockserver

import (
	"time"

	"github.com/and161185/rma-console/internal/model"
)

// DemoSeed returns a small catalog and a few requests in different states,
// anchored at now.
func DemoSeed(now time.Time) Seed {
	soon := now.Add(10 * 24 * time.Hour)
	later := now.Add(400 * 24 * time.Hour)
	linkEnd := now.Add(20 * 24 * time.Hour)
	user := model.Actor{Name: "Uma User", Email: "user@example.com", Phone: "+1 555 0101"}
	at := func(days int) time.Time { return now.Add(-time.Duration(days) * 24 * time.Hour).UTC() }

	return Seed{
		Categories: []model.Category{
			{ID: "cat-laptop", Name: "Laptops"},
			{ID: "cat-net", Name: "Network", Description: "Switches, routers and access points"},
		},
		Vendors: []model.Vendor{
			{ID: "ven-acme", Name: "Acme Supplies", ContactEmail: "support@acme.example"},
		},
		OEMs: []model.OEM{
			{ID: "oem-lenovo", Name: "Lenovo", Website: "https://www.lenovo.com"},
			{ID: "oem-cisco", Name: "Cisco", Website: "https://www.cisco.com"},
		},
		Devices: []model.Device{
			{ID: "dev-1", Name: "ThinkPad T14", SerialNumber: "PF-1001", CategoryID: "cat-laptop",
				VendorID: "ven-acme", OEMID: "oem-lenovo", Status: "in_use", Location: "HQ", WarrantyExpiry: &soon},
			{ID: "dev-2", Name: "Catalyst 9200", SerialNumber: "FOC-2002", CategoryID: "cat-net",
				OEMID: "oem-cisco", Status: "in_use", Location: "DC-1", WarrantyExpiry: &later},
		},
		Links: []model.Link{
			{ID: "lnk-1", Provider: "MetroNet", CircuitID: "MN-778", Bandwidth: "1G", Site: "HQ", ExpiresAt: &linkEnd},
		},
		RMAs: []model.RMARequest{
			{ID: "rma-1", RMANumber: "RMA-000001", SerialNumber: "PF-1001", Type: model.TypeRepair,
				Priority: model.PriorityHigh, IssueDescription: "Keyboard unresponsive", Status: model.StatusPendingReview,
				ReportedBy: user, Attachments: []model.Attachment{}, CreatedAt: at(3), UpdatedAt: at(3)},
			{ID: "rma-2", RMANumber: "RMA-000002", SerialNumber: "FOC-2002", Type: model.TypeReplacement,
				Priority: model.PriorityCritical, IssueDescription: "PSU failure", Status: model.StatusUnderRepair,
				ReportedBy: user, ApprovedBy: "Ada Admin", Attachments: []model.Attachment{}, CreatedAt: at(10), UpdatedAt: at(2)},
			{ID: "rma-3", RMANumber: "RMA-000003", SerialNumber: "PF-0999", Type: model.TypeRefund,
				Priority: model.PriorityLow, IssueDescription: "Ordered by mistake", Status: model.StatusRejected,
				ReportedBy: user, RejectedBy: "Ada Admin", RejectionReason: "Outside return window",
				Attachments: []model.Attachment{}, CreatedAt: at(30), UpdatedAt: at(29)},
		},
	}
}
