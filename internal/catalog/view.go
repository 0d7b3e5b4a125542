// Package catalog provides list/detail views and CRUD over the asset
// catalog: devices, vendors, categories, OEMs and links.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
)

// DefaultPageSize is the page size of a new view.
const DefaultPageSize = 10

// Fetcher loads a whole collection.
type Fetcher[T model.Entity] func(ctx context.Context) ([]T, error)

// PageResult is one page of a filtered view.
type PageResult[T model.Entity] struct {
	Items    []T
	Page     int
	PageSize int
	Total    int
	Pages    int
}

// View is a fetch-filter-paginate projection over one collection.
type View[T model.Entity] struct {
	fetch Fetcher[T]

	mu       sync.Mutex
	items    []T
	query    string
	page     int
	pageSize int
	loaded   bool
}

// NewView constructs an empty view backed by fetch.
func NewView[T model.Entity](fetch Fetcher[T]) *View[T] {
	return &View[T]{fetch: fetch, page: 1, pageSize: DefaultPageSize, items: []T{}}
}

// Refresh replaces the items with a fresh fetch. On error the items are kept.
func (v *View[T]) Refresh(ctx context.Context) error {
	items, err := v.fetch(ctx)
	if err != nil {
		return err
	}
	v.Replace(items)
	return nil
}

// Replace sets the items without fetching.
func (v *View[T]) Replace(items []T) {
	v.mu.Lock()
	v.items = append([]T{}, items...)
	v.loaded = true
	v.clampLocked()
	v.mu.Unlock()
}

// Loaded reports whether the view has items from a fetch or Replace.
func (v *View[T]) Loaded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loaded
}

// SetFilter sets a case-insensitive substring filter and returns to page 1.
func (v *View[T]) SetFilter(query string) {
	v.mu.Lock()
	v.query = strings.ToLower(strings.TrimSpace(query))
	v.page = 1
	v.mu.Unlock()
}

// SetPage selects page n (1-based), clamped to the available pages.
func (v *View[T]) SetPage(n int) {
	v.mu.Lock()
	v.page = n
	v.clampLocked()
	v.mu.Unlock()
}

// SetPageSize changes the page size and returns to page 1.
func (v *View[T]) SetPageSize(n int) {
	if n <= 0 {
		n = DefaultPageSize
	}
	v.mu.Lock()
	v.pageSize = n
	v.page = 1
	v.mu.Unlock()
}

// Page returns the current page of the filtered items.
func (v *View[T]) Page() PageResult[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	filtered := v.filteredLocked()
	res := PageResult[T]{Page: v.page, PageSize: v.pageSize, Total: len(filtered), Items: []T{}}
	res.Pages = pages(len(filtered), v.pageSize)
	if res.Page > res.Pages {
		res.Page = res.Pages
	}
	start := (res.Page - 1) * v.pageSize
	if start < 0 || start >= len(filtered) {
		return res
	}
	end := min(start+v.pageSize, len(filtered))
	res.Items = append(res.Items, filtered[start:end]...)
	return res
}

// Get returns the item with id.
func (v *View[T]) Get(id string) (T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, it := range v.items {
		if it.EntityID() == id {
			return it, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
}

// All returns every item, unfiltered.
func (v *View[T]) All() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]T{}, v.items...)
}

// Upsert replaces the item with the same id or appends it.
func (v *View[T]) Upsert(it T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.items {
		if v.items[i].EntityID() == it.EntityID() {
			v.items[i] = it
			return
		}
	}
	v.items = append(v.items, it)
}

// Remove drops the item with id. It reports whether one was removed.
func (v *View[T]) Remove(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.items {
		if v.items[i].EntityID() == id {
			v.items = append(v.items[:i], v.items[i+1:]...)
			v.clampLocked()
			return true
		}
	}
	return false
}

func (v *View[T]) filteredLocked() []T {
	if v.query == "" {
		return v.items
	}
	out := make([]T, 0, len(v.items))
	for _, it := range v.items {
		if strings.Contains(strings.ToLower(it.SearchText()), v.query) {
			out = append(out, it)
		}
	}
	return out
}

func (v *View[T]) clampLocked() {
	n := pages(len(v.filteredLocked()), v.pageSize)
	if v.page > n {
		v.page = n
	}
	if v.page < 1 {
		v.page = 1
	}
}

func pages(total, size int) int {
	if total == 0 {
		return 1
	}
	return (total + size - 1) / size
}
