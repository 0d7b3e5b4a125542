package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/and161185/rma-console/internal/api"
	"github.com/and161185/rma-console/internal/catalog"
	"github.com/and161185/rma-console/internal/model"
	"github.com/and161185/rma-console/internal/rma"
)

// ------- attachments -------

// fileFlags collects repeated -file field=path values.
type fileFlags []fileSpec

type fileSpec struct{ Field, Path string }

var _ flag.Value = (*fileFlags)(nil)

func (f *fileFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, s := range *f {
		parts = append(parts, s.Field+"="+s.Path)
	}
	return strings.Join(parts, ",")
}

func (f *fileFlags) Set(v string) error {
	field, path, ok := strings.Cut(v, "=")
	field, path = strings.TrimSpace(field), strings.TrimSpace(path)
	if !ok || field == "" || path == "" {
		return fmt.Errorf("want field=path, got %q", v)
	}
	*f = append(*f, fileSpec{Field: field, Path: path})
	return nil
}

// open turns the specs into uploads. The returned func closes every file.
func (f fileFlags) open() ([]model.Upload, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, fh := range files {
			_ = fh.Close()
		}
	}
	out := make([]model.Upload, 0, len(f))
	for _, s := range f {
		fh, err := os.Open(s.Path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		files = append(files, fh)
		out = append(out, model.Upload{
			Field:       s.Field,
			Name:        filepath.Base(s.Path),
			ContentType: contentType(s.Path),
			Data:        fh,
		})
	}
	return out, closeAll, nil
}

func contentType(path string) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// saveDownload writes d to path, to stdout for "-", or to the server's
// filename in the working directory when path is empty.
func saveDownload(out io.Writer, d *api.Download, path string) error {
	if path == "-" {
		_, err := io.Copy(out, d.Body)
		return err
	}
	if path == "" {
		path = choose(filepath.Base(d.Filename), "download.bin")
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(fh, d.Body)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %s (%d bytes, %s)\n", path, n, choose(d.ContentType, "unknown type"))
	return nil
}

// ------- rma views -------

// resolveID accepts a request id or its RMA number.
func resolveID(rs []model.RMARequest, v string) string {
	for _, r := range rs {
		if r.ID == v || strings.EqualFold(r.RMANumber, v) {
			return r.ID
		}
	}
	return v
}

var displayBuckets = map[string]bool{
	rma.DisplayPending: true, rma.DisplayApproved: true, rma.DisplayProcessing: true,
	rma.DisplayCompleted: true, rma.DisplayRejected: true, rma.DisplayCancelled: true,
}

// filterRequests keeps requests matching status (granular or display bucket)
// and the case-insensitive query.
func filterRequests(rs []model.RMARequest, status, query string) ([]model.RMARequest, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	match := func(model.RMARequest) bool { return true }
	switch {
	case status == "":
	case displayBuckets[status]:
		match = func(r model.RMARequest) bool { return rma.DisplayStatus(r.Status) == status }
	default:
		s, err := rma.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		match = func(r model.RMARequest) bool { return r.Status == s }
	}
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]model.RMARequest, 0, len(rs))
	for _, r := range rs {
		if !match(r) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(searchText(r)), query) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func searchText(r model.RMARequest) string {
	return strings.Join([]string{r.RMANumber, r.SerialNumber, r.IssueDescription, r.ReportedBy.Name, r.ReportedBy.Email}, " ")
}

func paginate[T any](items []T, page, size int) []T {
	if size <= 0 {
		size = len(items)
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	return items[start:min(start+size, len(items))]
}

func printRows(w io.Writer, rs []model.RMARequest) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tSTATUS\tPRIORITY\tSERIAL\tREPORTED BY\tUPDATED")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Label(), r.Status, r.Priority, r.SerialNumber, r.ReportedBy.Name, tsString(r.UpdatedAt))
	}
	_ = tw.Flush()
}

type detail struct {
	model.RMARequest
	Display string         `json:"display"`
	Next    []model.Status `json:"next"`
}

func detailOf(r model.RMARequest) detail {
	return detail{RMARequest: r, Display: rma.DisplayStatus(r.Status), Next: rma.Successors(r.Status)}
}

// ------- catalog -------

func browse[T model.Entity](ctx context.Context, c *cli, v *catalog.View[T], args []string) error {
	fs := flag.NewFlagSet("browse", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	query := fs.String("q", "", "substring filter")
	page := fs.Int("page", 1, "page number")
	size := fs.Int("size", catalog.DefaultPageSize, "page size")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := c.requireLogin(ctx); err != nil {
		return err
	}
	if err := v.Refresh(ctx); err != nil {
		return err
	}
	v.SetPageSize(*size)
	v.SetFilter(*query)
	v.SetPage(*page)
	printJSON(c.out, v.Page())
	return nil
}

// ------- feed -------

// newFeedPrinter returns a feed subscriber that prints entries not in seen.
func newFeedPrinter(w io.Writer, seen []model.Notification) func([]model.Notification) {
	var mu sync.Mutex
	known := make(map[int64]bool, len(seen))
	for _, n := range seen {
		known[n.ID] = true
	}
	return func(items []model.Notification) {
		mu.Lock()
		defer mu.Unlock()
		// items are newest first
		for i := len(items) - 1; i >= 0; i-- {
			n := items[i]
			if known[n.ID] {
				continue
			}
			known[n.ID] = true
			fmt.Fprintf(w, "[%s] %s: %s\n", n.CreatedAt.Local().Format(time.TimeOnly), n.Title, n.Message)
		}
	}
}

// ------- small utils -------

// lockedWriter serializes writes from event handlers and the command itself.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func tsString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func choose(a, b string) string {
	if a != "" && a != "." && a != "/" {
		return a
	}
	return b
}
