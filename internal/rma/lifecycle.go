// Package rma implements the RMA lifecycle graph and the working-set engine
// that drives admin transitions against the backend.
package rma

import (
	"fmt"

	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
)

// successors is the forward edge table. Cancellation edges are added in init.
var successors = map[model.Status][]model.Status{
	model.StatusPendingReview:     {model.StatusApproved, model.StatusRejected},
	model.StatusApproved:          {model.StatusInTransitToVendor},
	model.StatusInTransitToVendor: {model.StatusReceivedByVendor},
	model.StatusReceivedByVendor:  {model.StatusUnderRepair},
	model.StatusUnderRepair:       {model.StatusRepaired, model.StatusReplaced},
	model.StatusRepaired:          {model.StatusInTransitToClient},
	model.StatusReplaced:          {model.StatusInTransitToClient},
	model.StatusInTransitToClient: {model.StatusCompleted},
	model.StatusCompleted:         nil,
	model.StatusRejected:          nil,
	model.StatusCancelled:         nil,
}

// Order lists every status in lifecycle order.
var Order = []model.Status{
	model.StatusPendingReview,
	model.StatusApproved,
	model.StatusInTransitToVendor,
	model.StatusReceivedByVendor,
	model.StatusUnderRepair,
	model.StatusRepaired,
	model.StatusReplaced,
	model.StatusInTransitToClient,
	model.StatusCompleted,
	model.StatusRejected,
	model.StatusCancelled,
}

func init() {
	for s, next := range successors {
		if len(next) > 0 {
			successors[s] = append(next, model.StatusCancelled)
		}
	}
}

// Known reports whether s belongs to the granular vocabulary.
func Known(s model.Status) bool {
	_, ok := successors[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s model.Status) bool {
	next, ok := successors[s]
	return ok && len(next) == 0
}

// Successors returns the statuses reachable from s in one step.
func Successors(s model.Status) []model.Status {
	return append([]model.Status(nil), successors[s]...)
}

// CanTransition reports whether to is adjacent to from.
func CanTransition(from, to model.Status) bool {
	for _, n := range successors[from] {
		if n == to {
			return true
		}
	}
	return false
}

// CheckTransition returns errs.ErrInvalidTransition when to is not adjacent to from.
func CheckTransition(from, to model.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)
	}
	return nil
}

// IsDecision reports whether to is an admin decision on a pending_review
// request. Decisions record the deciding admin and go through Approve or
// Reject, never through a plain status update.
func IsDecision(to model.Status) bool {
	return to == model.StatusApproved || to == model.StatusRejected
}

// CheckAdvance is CheckTransition for plain status updates: decisions are refused.
func CheckAdvance(from, to model.Status) error {
	if IsDecision(to) {
		return fmt.Errorf("%w: %s -> %s needs approve or reject", errs.ErrInvalidTransition, from, to)
	}
	return CheckTransition(from, to)
}

// IsProcessing reports whether s falls in the aggregate "processing" bucket.
func IsProcessing(s model.Status) bool {
	switch s {
	case model.StatusInTransitToVendor, model.StatusReceivedByVendor, model.StatusUnderRepair,
		model.StatusRepaired, model.StatusReplaced, model.StatusInTransitToClient:
		return true
	}
	return false
}

// Display statuses used by summary views.
const (
	DisplayPending    = "pending"
	DisplayApproved   = "approved"
	DisplayProcessing = "processing"
	DisplayCompleted  = "completed"
	DisplayRejected   = "rejected"
	DisplayCancelled  = "cancelled"
)

var displayOf = map[model.Status]string{
	model.StatusPendingReview:     DisplayPending,
	model.StatusApproved:          DisplayApproved,
	model.StatusInTransitToVendor: DisplayProcessing,
	model.StatusReceivedByVendor:  DisplayProcessing,
	model.StatusUnderRepair:       DisplayProcessing,
	model.StatusRepaired:          DisplayProcessing,
	model.StatusReplaced:          DisplayProcessing,
	model.StatusInTransitToClient: DisplayProcessing,
	model.StatusCompleted:         DisplayCompleted,
	model.StatusRejected:          DisplayRejected,
	model.StatusCancelled:         DisplayCancelled,
}

// DisplayStatus maps a granular status to the simplified display vocabulary.
func DisplayStatus(s model.Status) string {
	if d, ok := displayOf[s]; ok {
		return d
	}
	return string(s)
}

// ParseStatus parses a status name; see model.ParseStatus.
func ParseStatus(v string) (model.Status, error) { return model.ParseStatus(v) }
