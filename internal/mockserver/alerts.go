package mockserver

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/realtime"
)

// ExpiryAlerts lists the devices and links whose warranty or contract ends
// within window of now, soonest first.
func (s *Server) ExpiryAlerts(now time.Time, window time.Duration) []realtime.ExpiryAlertPayload {
	limit := now.Add(window)
	type due struct {
		at time.Time
		p  realtime.ExpiryAlertPayload
	}
	var all []due
	for _, d := range s.catalog.devices.list() {
		if d.WarrantyExpiry == nil || d.WarrantyExpiry.After(limit) {
			continue
		}
		all = append(all, due{*d.WarrantyExpiry, realtime.ExpiryAlertPayload{
			Kind: "Device", ID: d.ID, Name: d.Name, ExpiresAt: d.WarrantyExpiry.UTC().Format(time.DateOnly),
		}})
	}
	for _, l := range s.catalog.links.list() {
		if l.ExpiresAt == nil || l.ExpiresAt.After(limit) {
			continue
		}
		all = append(all, due{*l.ExpiresAt, realtime.ExpiryAlertPayload{
			Kind: "Link", ID: l.ID, Name: l.DisplayName(), ExpiresAt: l.ExpiresAt.UTC().Format(time.DateOnly),
		}})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	out := make([]realtime.ExpiryAlertPayload, 0, len(all))
	for _, d := range all {
		out = append(out, d.p)
	}
	return out
}

// RunExpiryAlerts broadcasts ExpiryAlerts every interval until ctx ends.
func (s *Server) RunExpiryAlerts(ctx context.Context, every, window time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, p := range s.ExpiryAlerts(now, window) {
				if err := s.Broadcast(ctx, realtime.EventExpiryAlert, p); err != nil {
					s.log.Warn("alerts: broadcast", zap.String("id", p.ID), zap.Error(err))
					return
				}
			}
		}
	}
}
