package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/api"
	"github.com/and161185/rma-console/internal/model"
)

// Notifier receives a local notification after each successful write.
type Notifier interface {
	Add(ctx context.Context, title, message string) model.Notification
}

// Resource is the remote CRUD surface of one collection.
type Resource[T model.Entity] struct {
	Kind   string
	List   func(ctx context.Context) ([]T, error)
	Create func(ctx context.Context, v T) (T, error)
	Update func(ctx context.Context, v T) (T, error)
	Delete func(ctx context.Context, id string) error
}

// APIResource binds a Resource to the REST client.
func APIResource[T model.Entity](c *api.Client, kind string) Resource[T] {
	return Resource[T]{
		Kind:   kind,
		List:   func(ctx context.Context) ([]T, error) { return api.List[T](ctx, c) },
		Create: func(ctx context.Context, v T) (T, error) { return api.Create(ctx, c, v) },
		Update: func(ctx context.Context, v T) (T, error) { return api.Update(ctx, c, v) },
		Delete: func(ctx context.Context, id string) error { return api.Delete[T](ctx, c, id) },
	}
}

// Collection couples a Resource with its view. Writes update the view only
// after the backend confirms.
type Collection[T model.Entity] struct {
	res      Resource[T]
	view     *View[T]
	notifier Notifier
	log      *zap.Logger
}

// NewCollection constructs a collection.
func NewCollection[T model.Entity](res Resource[T], n Notifier, log *zap.Logger) *Collection[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collection[T]{res: res, view: NewView(Fetcher[T](res.List)), notifier: n, log: log}
}

// View returns the list/detail view.
func (c *Collection[T]) View() *View[T] { return c.view }

// Refresh reloads the view.
func (c *Collection[T]) Refresh(ctx context.Context) error { return c.view.Refresh(ctx) }

// Create stores v remotely and adds it to the view.
func (c *Collection[T]) Create(ctx context.Context, v T) (T, error) {
	out, err := c.res.Create(ctx, v)
	if err != nil {
		return out, err
	}
	c.view.Upsert(out)
	c.notify(ctx, c.res.Kind+" added", out.DisplayName())
	return out, nil
}

// Update stores v remotely and replaces it in the view.
func (c *Collection[T]) Update(ctx context.Context, v T) (T, error) {
	out, err := c.res.Update(ctx, v)
	if err != nil {
		return out, err
	}
	c.view.Upsert(out)
	c.notify(ctx, c.res.Kind+" updated", out.DisplayName())
	return out, nil
}

// Delete removes id remotely and from the view.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	name := id
	if it, err := c.view.Get(id); err == nil && it.DisplayName() != "" {
		name = it.DisplayName()
	}
	if err := c.res.Delete(ctx, id); err != nil {
		return err
	}
	c.view.Remove(id)
	c.notify(ctx, c.res.Kind+" deleted", name)
	return nil
}

func (c *Collection[T]) notify(ctx context.Context, title, msg string) {
	c.log.Debug("catalog: write confirmed", zap.String("event", title), zap.String("name", msg))
	if c.notifier != nil {
		c.notifier.Add(ctx, title, msg)
	}
}

// Service groups the catalog collections.
type Service struct {
	Devices    *Collection[model.Device]
	Vendors    *Collection[model.Vendor]
	Categories *Collection[model.Category]
	OEMs       *Collection[model.OEM]
	Links      *Collection[model.Link]

	now func() time.Time
}

// NewService binds every collection to the REST client.
func NewService(c *api.Client, n Notifier, log *zap.Logger) *Service {
	return &Service{
		Devices:    NewCollection(APIResource[model.Device](c, "Device"), n, log),
		Vendors:    NewCollection(APIResource[model.Vendor](c, "Vendor"), n, log),
		Categories: NewCollection(APIResource[model.Category](c, "Category"), n, log),
		OEMs:       NewCollection(APIResource[model.OEM](c, "OEM"), n, log),
		Links:      NewCollection(APIResource[model.Link](c, "Link"), n, log),
		now:        time.Now,
	}
}

// ApplyDevice upserts a pushed device into the device view.
func (s *Service) ApplyDevice(d model.Device) {
	if d.ID == "" {
		return
	}
	s.Devices.View().Upsert(d)
}

// Summary is the dashboard projection.
type Summary struct {
	Devices           int
	Categories        int
	DevicesByCategory map[string]int
	WarrantyExpiring  []model.Device
}

// ExpiryWindow is how far ahead the dashboard looks for expiring warranties.
const ExpiryWindow = 30 * 24 * time.Hour

// Dashboard refreshes categories and devices concurrently and summarizes
// them. Both fetches run to completion; their errors are joined.
func (s *Service) Dashboard(ctx context.Context) (Summary, error) {
	var (
		wg     sync.WaitGroup
		catErr error
		devErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		catErr = s.Categories.Refresh(ctx)
	}()
	go func() {
		defer wg.Done()
		devErr = s.Devices.Refresh(ctx)
	}()
	wg.Wait()
	if err := errors.Join(catErr, devErr); err != nil {
		return Summary{}, err
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	names := map[string]string{}
	cats := s.Categories.View().All()
	for _, c := range cats {
		names[c.ID] = c.Name
	}
	devs := s.Devices.View().All()
	sum := Summary{
		Devices:           len(devs),
		Categories:        len(cats),
		DevicesByCategory: map[string]int{},
		WarrantyExpiring:  []model.Device{},
	}
	limit := now().Add(ExpiryWindow)
	for _, d := range devs {
		key := names[d.CategoryID]
		if key == "" {
			key = "Uncategorized"
		}
		sum.DevicesByCategory[key]++
		if d.WarrantyExpiry != nil && d.WarrantyExpiry.Before(limit) {
			sum.WarrantyExpiring = append(sum.WarrantyExpiring, d)
		}
	}
	return sum, nil
}
