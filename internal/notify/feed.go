// Package notify keeps the user-visible notification feed, most recent first,
// persisted as a JSON list in the console's key-value store.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/kv"
	"github.com/and161185/rma-console/internal/model"
)

// StorageKey is the kv key holding the feed.
const StorageKey = "notifications"

// Feed is an ordered, persisted log of notifications. Safe for concurrent use.
type Feed struct {
	kv  kv.Store
	log *zap.Logger
	now func() time.Time

	mu        sync.Mutex
	items     []model.Notification
	lastID    int64
	listeners map[int]func([]model.Notification)
	nextSub   int
}

// NewFeed loads the prior feed from store. A missing or unparsable entry
// yields an empty feed.
func NewFeed(ctx context.Context, store kv.Store, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Feed{kv: store, log: log, now: time.Now, listeners: map[int]func([]model.Notification){}}
	f.items = f.load(ctx)
	for _, n := range f.items {
		if n.ID > f.lastID {
			f.lastID = n.ID
		}
	}
	return f
}

func (f *Feed) load(ctx context.Context) []model.Notification {
	b, err := f.kv.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			f.log.Warn("notify: read feed", zap.Error(err))
		}
		return []model.Notification{}
	}
	var items []model.Notification
	if err := json.Unmarshal(b, &items); err != nil {
		f.log.Warn("notify: corrupted feed, starting empty", zap.Error(err))
		return []model.Notification{}
	}
	if items == nil {
		items = []model.Notification{}
	}
	return items
}

// persist writes the feed; callers hold f.mu. Storage failures are logged
// and do not undo the in-memory change.
func (f *Feed) persist(ctx context.Context) {
	b, err := json.Marshal(f.items)
	if err != nil {
		f.log.Error("notify: encode feed", zap.Error(err))
		return
	}
	if err := f.kv.Set(ctx, StorageKey, b); err != nil {
		f.log.Warn("notify: persist feed", zap.Error(err))
	}
}

func (f *Feed) nextID(now time.Time) int64 {
	id := now.UnixMilli()
	if id <= f.lastID {
		id = f.lastID + 1
	}
	f.lastID = id
	return id
}

// Add prepends an unread entry and persists the feed.
func (f *Feed) Add(ctx context.Context, title, message string) model.Notification {
	f.mu.Lock()
	now := f.now().UTC()
	n := model.Notification{ID: f.nextID(now), Title: title, Message: message, CreatedAt: now}
	f.items = append([]model.Notification{n}, f.items...)
	f.persist(ctx)
	snap, subs := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap, subs)
	return n
}

// MarkRead marks one entry read. Returns false when id is unknown.
func (f *Feed) MarkRead(ctx context.Context, id int64) bool {
	return f.mutate(ctx, func() bool {
		for i := range f.items {
			if f.items[i].ID == id {
				f.items[i].Read = true
				return true
			}
		}
		return false
	})
}

// MarkAllRead marks every entry read.
func (f *Feed) MarkAllRead(ctx context.Context) {
	f.mutate(ctx, func() bool {
		for i := range f.items {
			f.items[i].Read = true
		}
		return true
	})
}

// Remove deletes one entry. Returns false when id is unknown.
func (f *Feed) Remove(ctx context.Context, id int64) bool {
	return f.mutate(ctx, func() bool {
		for i := range f.items {
			if f.items[i].ID == id {
				f.items = append(f.items[:i], f.items[i+1:]...)
				return true
			}
		}
		return false
	})
}

// ClearAll empties the feed and persists the empty state.
func (f *Feed) ClearAll(ctx context.Context) {
	f.mutate(ctx, func() bool {
		f.items = []model.Notification{}
		return true
	})
}

func (f *Feed) mutate(ctx context.Context, fn func() bool) bool {
	f.mu.Lock()
	ok := fn()
	if !ok {
		f.mu.Unlock()
		return false
	}
	f.persist(ctx)
	snap, subs := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap, subs)
	return true
}

// List returns a copy of the feed, most recent first.
func (f *Feed) List() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Notification{}, f.items...)
}

// UnreadCount is derived from the entries on every call.
func (f *Feed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, it := range f.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// Subscribe registers fn to receive the feed after every change.
// The returned func removes the registration.
func (f *Feed) Subscribe(fn func([]model.Notification)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *Feed) snapshotLocked() ([]model.Notification, []func([]model.Notification)) {
	if len(f.listeners) == 0 {
		return nil, nil
	}
	subs := make([]func([]model.Notification), 0, len(f.listeners))
	for _, fn := range f.listeners {
		subs = append(subs, fn)
	}
	return append([]model.Notification{}, f.items...), subs
}

func (f *Feed) notify(snap []model.Notification, subs []func([]model.Notification)) {
	for _, fn := range subs {
		fn(snap)
	}
}
