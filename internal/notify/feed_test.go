package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/rma-console/internal/kv"
	"github.com/and161185/rma-console/internal/model"
)

func unread(items []model.Notification) int {
	n := 0
	for _, it := range items {
		if !it.Read {
			n++
		}
	}
	return n
}

func requireUnreadInvariant(t *testing.T, f *Feed) {
	t.Helper()
	require.Equal(t, unread(f.List()), f.UnreadCount())
}

func TestFeed_AddPrependsAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := kv.NewMemory()
	f := NewFeed(ctx, mem, zaptest.NewLogger(t))

	a := f.Add(ctx, "Vendor added", "Acme")
	b := f.Add(ctx, "RMA approved", "RMA-1 approved")
	requireUnreadInvariant(t, f)

	items := f.List()
	require.Len(t, items, 2)
	require.Equal(t, b.ID, items[0].ID)
	require.Equal(t, a.ID, items[1].ID)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, 2, f.UnreadCount())

	again := NewFeed(ctx, mem, nil)
	require.Equal(t, items, again.List())
}

func TestFeed_IDsStayUniqueWithinSameMillisecond(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewFeed(ctx, kv.NewMemory(), nil)
	fixed := time.UnixMilli(1_700_000_000_000)
	f.now = func() time.Time { return fixed }

	seen := map[int64]bool{}
	for i := 0; i < 5; i++ {
		n := f.Add(ctx, "t", "m")
		require.False(t, seen[n.ID])
		seen[n.ID] = true
	}
}

func TestFeed_MarkReadIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := kv.NewMemory()
	f := NewFeed(ctx, mem, nil)
	a := f.Add(ctx, "a", "")
	f.Add(ctx, "b", "")

	require.True(t, f.MarkRead(ctx, a.ID))
	require.Equal(t, 1, f.UnreadCount())
	require.True(t, f.MarkRead(ctx, a.ID))
	require.Equal(t, 1, f.UnreadCount())
	require.False(t, f.MarkRead(ctx, 42))
	requireUnreadInvariant(t, f)

	f.MarkAllRead(ctx)
	f.MarkAllRead(ctx)
	require.Equal(t, 0, f.UnreadCount())
	requireUnreadInvariant(t, f)

	require.Equal(t, 0, NewFeed(ctx, mem, nil).UnreadCount())
}

func TestFeed_RemoveAndClearAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := kv.NewMemory()
	f := NewFeed(ctx, mem, nil)
	a := f.Add(ctx, "a", "")
	f.Add(ctx, "b", "")

	require.True(t, f.Remove(ctx, a.ID))
	require.False(t, f.Remove(ctx, a.ID))
	require.Len(t, f.List(), 1)
	requireUnreadInvariant(t, f)

	f.ClearAll(ctx)
	require.Empty(t, f.List())
	require.Equal(t, 0, f.UnreadCount())

	raw, err := mem.Get(ctx, StorageKey)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(raw))
	require.Empty(t, NewFeed(ctx, mem, nil).List())
}

func TestFeed_LoadFallsBackToEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	require.Empty(t, NewFeed(ctx, kv.NewMemory(), nil).List())

	mem := kv.NewMemory()
	_ = mem.Set(ctx, StorageKey, []byte("{corrupted"))
	f := NewFeed(ctx, mem, zaptest.NewLogger(t))
	require.NotNil(t, f.List())
	require.Empty(t, f.List())

	mem = kv.NewMemory()
	_ = mem.Set(ctx, StorageKey, []byte("null"))
	require.Empty(t, NewFeed(ctx, mem, nil).List())
}

type brokenKV struct{}

var _ kv.Store = brokenKV{}

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("io") }
func (brokenKV) Set(context.Context, string, []byte) error   { return errors.New("io") }
func (brokenKV) Delete(context.Context, string) error        { return errors.New("io") }

func TestFeed_StorageFailuresDoNotBreakFeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewFeed(ctx, brokenKV{}, zaptest.NewLogger(t))
	f.Add(ctx, "a", "b")
	require.Len(t, f.List(), 1)
}

func TestFeed_RoundTripPreservesEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := kv.NewMemory()
	f := NewFeed(ctx, mem, nil)
	for i := 0; i < 4; i++ {
		n := f.Add(ctx, "title", "msg")
		if i%2 == 0 {
			f.MarkRead(ctx, n.ID)
		}
	}
	want := f.List()
	got := NewFeed(ctx, mem, nil).List()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].ID, got[i].ID)
		require.Equal(t, want[i].Read, got[i].Read)
		require.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
	}

	// ids keep increasing after reload
	next := NewFeed(ctx, mem, nil)
	n := next.Add(ctx, "x", "y")
	require.Greater(t, n.ID, want[0].ID)
}

func TestFeed_Subscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewFeed(ctx, kv.NewMemory(), nil)

	var calls int
	var last []model.Notification
	unsub := f.Subscribe(func(items []model.Notification) {
		calls++
		last = items
	})
	f.Add(ctx, "a", "")
	f.MarkAllRead(ctx)
	require.Equal(t, 2, calls)
	require.Len(t, last, 1)
	require.True(t, last[0].Read)

	require.False(t, f.MarkRead(ctx, -1))
	require.Equal(t, 2, calls, "no-op must not notify")

	unsub()
	f.Add(ctx, "b", "")
	require.Equal(t, 2, calls)
}
