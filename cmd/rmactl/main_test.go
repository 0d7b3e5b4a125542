package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/mockserver"
	"github.com/and161185/rma-console/internal/realtime"
)

type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type harness struct {
	t     *testing.T
	srv   *mockserver.Server
	url   string
	state string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith serves the mock through wrap when it is non-nil.
func newHarnessWith(t *testing.T, wrap func(http.Handler) http.Handler) *harness {
	t.Helper()
	for k, v := range map[string]string{
		"RMA_API_URL": "", "RMA_SOCKET_URL": "", "RMA_STATE_DIR": "", "RMA_STORE": "file",
		"RMA_SEAL_PASSPHRASE": "", "RMA_RECONNECT_DELAY": "20ms",
	} {
		t.Setenv(k, v)
	}
	srv, err := mockserver.New(mockserver.Options{
		Seed:     mockserver.DemoSeed(time.Now()),
		PollWait: 200 * time.Millisecond,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	var h http.Handler = srv.Handler()
	if wrap != nil {
		h = wrap(h)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, url: ts.URL, state: t.TempDir()}
}

func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	return h.runCtx(context.Background(), stdin, args...)
}

func (h *harness) runCtx(ctx context.Context, stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	full := append([]string{"-api", h.url, "-state", h.state}, args...)
	err := run(ctx, full, strings.NewReader(stdin), &out)
	return out.String(), err
}

func (h *harness) must(args ...string) string {
	h.t.Helper()
	out, err := h.run("", args...)
	require.NoError(h.t, err, out)
	return out
}

func TestRun_UsageAndVersion(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), nil, strings.NewReader(""), &out)
	require.ErrorIs(t, err, errUsage)
	require.Contains(t, out.String(), "Commands:")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"version"}, strings.NewReader(""), &out))
	require.Contains(t, out.String(), "rmactl dev")
}

func TestRun_MissingAPIURL(t *testing.T) {
	t.Setenv("RMA_API_URL", "")
	t.Setenv("RMA_STORE", "file")
	var out bytes.Buffer
	err := run(context.Background(), []string{"-state", t.TempDir(), "whoami"}, strings.NewReader(""), &out)
	require.ErrorContains(t, err, "RMA_API_URL")
}

func TestRun_RequiresLogin(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "list")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = h.run("", "login", "-email", "admin@example.com", "-password", "bad")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRun_AdminWorkflow(t *testing.T) {
	h := newHarness(t)
	require.Contains(t, h.must("login", "-email", "admin@example.com", "-password", "admin"), "roles=admin,user")
	require.Contains(t, h.must("whoami"), `"email": "admin@example.com"`)

	out := h.must("list")
	for _, n := range []string{"RMA-000001", "RMA-000002", "RMA-000003"} {
		require.Contains(t, out, n)
	}
	require.Contains(t, h.must("pending"), "RMA-000001")

	require.Contains(t, h.must("approve", "-id", "RMA-000001", "-notes", "ok"), "RMA-000001 is now approved")
	require.Contains(t, h.must("advance", "-id", "rma-1", "-to", "in_transit_to_vendor"), "now in_transit_to_vendor")

	_, err := h.run("", "advance", "-id", "rma-1", "-to", "completed")
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	_, err = h.run("", "advance", "-id", "rma-1", "-to", "processing")
	require.Error(t, err)

	out = h.must("list", "-status", "processing")
	require.Contains(t, out, "RMA-000001")
	require.Contains(t, out, "RMA-000002")
	require.NotContains(t, out, "RMA-000003")

	require.Contains(t, h.must("stats"), `"processing": 2`)
	require.Contains(t, h.must("stats", "-remote"), `"total": 3`)
	require.Contains(t, h.must("show", "-id", "RMA-000002"), `"display": "processing"`)

	out, err = h.run("no\n", "delete", "-id", "RMA-000003")
	require.NoError(t, err)
	require.Contains(t, out, "cancelled")
	out, err = h.run("yes\n", "delete", "-id", "RMA-000003")
	require.NoError(t, err)
	require.Contains(t, out, "deleted RMA-000003")
	_, err = h.run("", "delete", "-id", "RMA-000003", "-yes")
	require.ErrorIs(t, err, errs.ErrNotFound)

	out = h.must("notifications")
	require.Contains(t, out, "RMA approved")
	require.Contains(t, out, "RMA deleted")
	h.must("notifications", "read-all")
	require.Contains(t, h.must("notifications", "list"), "0 unread")
	h.must("notifications", "clear")
	require.Contains(t, h.must("notifications"), "[]")

	h.must("logout")
	_, err = h.run("", "whoami")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRun_UserSubmitAndDownload(t *testing.T) {
	h := newHarness(t)
	h.must("login", "-email", "user@example.com", "-password", "user")

	_, err := h.run("", "pending")
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = h.run("", "submit", "-serial", "X-1", "-type", "teleport", "-issue", "broken")
	require.ErrorIs(t, err, errs.ErrValidation)

	dir := t.TempDir()
	invoice := filepath.Join(dir, "invoice.pdf")
	require.NoError(t, os.WriteFile(invoice, []byte("%PDF-1.4 fake"), 0o600))

	out := h.must("submit", "-serial", "X-1", "-type", "repair", "-issue", "Screen flickers",
		"-priority", "HIGH", "-file", "invoice="+invoice)
	m := regexp.MustCompile(`submitted (RMA-\d+) \(([^)]+)\)`).FindStringSubmatch(out)
	require.Len(t, m, 3, out)
	require.Contains(t, h.must("list", "-q", "flickers"), m[1])

	target := filepath.Join(dir, "copy.pdf")
	require.Contains(t, h.must("download", "-id", m[2], "-type", "invoice", "-out", target), "application/pdf")
	b, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4 fake", string(b))

	_, err = h.run("", "download", "-id", m[2], "-type", "photos", "-index", "0", "-out", target)
	require.ErrorIs(t, err, errs.ErrNotFound)

	out = h.must("submit", "-serial", "X-2", "-type", "refund", "-issue", "Wrong model")
	require.Contains(t, out, "submitted RMA-")
}

func TestRun_CatalogBrowse(t *testing.T) {
	h := newHarness(t)
	h.must("login", "-email", "user@example.com", "-password", "user")

	out := h.must("devices", "-q", "thinkpad")
	require.Contains(t, out, `"Total": 1`)
	require.Contains(t, out, "PF-1001")
	require.Contains(t, h.must("oems"), "Cisco")
	require.Contains(t, h.must("links"), "MN-778")

	out = h.must("dashboard")
	require.Contains(t, out, `"Laptops": 1`)
	require.Contains(t, out, "dev-1", "expiring warranty")
}

func TestRun_WatchPrintsPushedEvents(t *testing.T) {
	h := newHarness(t)
	h.must("login", "-email", "admin@example.com", "-password", "admin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out safeBuffer
	done := make(chan error, 1)
	go func() {
		full := []string{"-api", h.url, "-state", h.state, "watch"}
		done <- run(ctx, full, strings.NewReader(""), &out)
	}()

	require.Eventually(t, func() bool { return h.srv.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "connected via websocket") }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, h.srv.Broadcast(ctx, realtime.EventNotification, realtime.NotificationPayload{Title: "Maintenance", Message: "Tonight"}))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Maintenance: Tonight") }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop")
	}
	require.Contains(t, h.must("notifications"), "Maintenance")
}

func TestRun_WatchRetriesAfterReconnectFailed(t *testing.T) {
	var down atomic.Bool
	h := newHarnessWith(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if down.Load() && (r.URL.Path == realtime.SocketPath || r.URL.Path == realtime.PollPath) {
				http.Error(w, "maintenance", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	t.Setenv("RMA_RECONNECT_ATTEMPTS", "1")
	h.must("login", "-email", "admin@example.com", "-password", "admin")

	down.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stdin, typed := io.Pipe()
	t.Cleanup(func() { _ = typed.Close() })
	var out safeBuffer
	done := make(chan error, 1)
	go func() {
		full := []string{"-api", h.url, "-state", h.state, "watch"}
		done <- run(ctx, full, stdin, &out)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Connection lost") && strings.Contains(out.String(), "(r to retry)")
	}, 3*time.Second, 10*time.Millisecond)
	require.NotContains(t, out.String(), "connected via")

	down.Store(false)
	_, err := io.WriteString(typed, "r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "connected via websocket") }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.srv.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(typed, "q\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not quit")
	}
}
