// Command rmactl is the RMA console: sign in, review and drive RMA requests,
// browse the asset catalog and follow pushed notifications.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/api"
	"github.com/and161185/rma-console/internal/config"
	"github.com/and161185/rma-console/internal/console"
	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
	"github.com/and161185/rma-console/internal/realtime"
	"github.com/and161185/rma-console/internal/rma"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `rmactl, the RMA console
Usage:
  rmactl [-api URL] [-socket URL] [-state DIR] [-v] <cmd> [args]

Commands:
  version
  login      -email <email> -password <password>
  logout
  whoami
  list       [-status s] [-q text] [-page n] [-size n]
  pending
  stats      [-remote]
  show       -id <id>
  submit     -serial s -type repair|replacement|refund -issue text
             [-priority p] [-reason r] [-desc d] [-invoice n] [-po n]
             [-file field=path ...]
  approve    -id <id> [-notes text]
  reject     -id <id> [-reason text]
  advance    -id <id> -to <status> [-notes text]
  delete     -id <id> [-yes]
  download   -id <id> -type <field> [-index n] [-out path]
  notifications [list|read -id n|read-all|rm -id n|clear]
  devices | vendors | categories | oems | links   [-q text] [-page n]
  dashboard
  watch      follow pushed events until interrupted (r retries, q quits)
`)
}

// ---- main ----

// main runs one subcommand with SIGINT/SIGTERM cancelling it.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		fail(err)
	}
}

type cli struct {
	app *console.App
	in  *bufio.Reader
	out io.Writer
}

// run parses the global flags, opens the console and dispatches cmd.
func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("rmactl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	apiURL := fs.String("api", "", "backend base URL (overrides RMA_API_URL)")
	socketURL := fs.String("socket", "", "push channel base URL (overrides RMA_SOCKET_URL)")
	stateDir := fs.String("state", "", "state directory (overrides RMA_STATE_DIR)")
	verbose := fs.Bool("v", false, "debug logging to stderr")
	if err := fs.Parse(args); err != nil {
		usage(out)
		return errUsage
	}
	if fs.NArg() < 1 {
		usage(out)
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "version":
		fmt.Fprintf(out, "rmactl %s (%s)\n", version, buildDate)
		return nil
	case "help", "-h":
		usage(out)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *apiURL != "" {
		cfg.APIURL = strings.TrimRight(*apiURL, "/")
	}
	if *socketURL != "" {
		cfg.SocketURL = strings.TrimRight(*socketURL, "/")
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := zap.NewNop()
	if *verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
	}

	app, err := console.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()
	c := &cli{app: app, in: bufio.NewReader(in), out: &lockedWriter{w: out}}

	switch cmd {
	case "login":
		return c.login(ctx, rest)
	case "logout":
		app.Logout(ctx)
		fmt.Fprintln(out, "ok")
		return nil
	case "whoami":
		return c.whoami(ctx)
	case "list":
		return c.list(ctx, rest)
	case "pending":
		return c.pending(ctx)
	case "stats":
		return c.stats(ctx, rest)
	case "show":
		return c.show(ctx, rest)
	case "submit":
		return c.submit(ctx, rest)
	case "approve", "reject", "advance":
		return c.transition(ctx, cmd, rest)
	case "delete":
		return c.delete(ctx, rest)
	case "download":
		return c.download(ctx, rest)
	case "notifications":
		return c.notifications(ctx, rest)
	case "devices":
		return browse(ctx, c, app.Catalog.Devices.View(), rest)
	case "vendors":
		return browse(ctx, c, app.Catalog.Vendors.View(), rest)
	case "categories":
		return browse(ctx, c, app.Catalog.Categories.View(), rest)
	case "oems":
		return browse(ctx, c, app.Catalog.OEMs.View(), rest)
	case "links":
		return browse(ctx, c, app.Catalog.Links.View(), rest)
	case "dashboard":
		return c.dashboard(ctx)
	case "watch":
		return c.watch(ctx)
	default:
		usage(out)
		return errUsage
	}
}

// ---- session ----

func (c *cli) requireLogin(ctx context.Context) error {
	if !c.app.Session.IsAuthenticated(ctx) {
		return fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	return nil
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("%w: need -email and -password", errUsage)
	}
	p, err := c.app.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "logged in as %s <%s> roles=%s\n", p.Name, p.Email, strings.Join(p.Roles, ","))
	return nil
}

func (c *cli) whoami(ctx context.Context) error {
	if err := c.requireLogin(ctx); err != nil {
		return err
	}
	p, _ := c.app.Session.Principal()
	printJSON(c.out, p)
	return nil
}

// ---- rma ----

// load fills the working set; admins also get the pending-review set.
func (c *cli) load(ctx context.Context) error {
	if err := c.requireLogin(ctx); err != nil {
		return err
	}
	if err := c.app.RMA.Load(ctx); err != nil {
		return err
	}
	if c.app.Session.IsAdmin() {
		return c.app.RMA.LoadPending(ctx)
	}
	return nil
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	status := fs.String("status", "", "granular status or a display bucket")
	query := fs.String("q", "", "substring filter")
	page := fs.Int("page", 1, "page number")
	size := fs.Int("size", 20, "page size")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	rows, err := filterRequests(c.app.RMA.Requests(), *status, *query)
	if err != nil {
		return err
	}
	printRows(c.out, paginate(rows, *page, *size))
	return nil
}

func (c *cli) pending(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		return err
	}
	if !c.app.Session.IsAdmin() {
		return fmt.Errorf("%w: admin role required", errs.ErrForbidden)
	}
	printRows(c.out, c.app.RMA.Pending())
	return nil
}

func (c *cli) stats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	remote := fs.Bool("remote", false, "ask the backend instead of counting locally")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *remote {
		if err := c.requireLogin(ctx); err != nil {
			return err
		}
		ov, err := c.app.RMA.RemoteStats(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, ov)
		return nil
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	printJSON(c.out, c.app.RMA.Stats())
	return nil
}

func (c *cli) show(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "request id or number")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *id == "" {
		return fmt.Errorf("%w: need -id", errUsage)
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	r, err := c.app.RMA.Open(resolveID(c.app.RMA.Requests(), *id))
	if err != nil {
		return err
	}
	defer c.app.RMA.CloseDetail()
	printJSON(c.out, detailOf(r))
	return nil
}

func (c *cli) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var files fileFlags
	serial := fs.String("serial", "", "device serial number")
	typ := fs.String("type", "", "repair, replacement or refund")
	priority := fs.String("priority", "", "low, medium, high or critical")
	issue := fs.String("issue", "", "issue description")
	desc := fs.String("desc", "", "additional description")
	reason := fs.String("reason", "", "return reason")
	invoice := fs.String("invoice", "", "invoice number")
	po := fs.String("po", "", "purchase order number")
	fs.Var(&files, "file", "attachment as field=path (repeatable)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := c.requireLogin(ctx); err != nil {
		return err
	}
	uploads, closeAll, err := files.open()
	if err != nil {
		return err
	}
	defer closeAll()

	s := model.RMASubmission{
		SerialNumber:     *serial,
		InvoiceNumber:    *invoice,
		PONumber:         *po,
		Type:             model.RMAType(*typ),
		Priority:         model.Priority(strings.ToLower(*priority)),
		Reason:           *reason,
		IssueDescription: *issue,
		Description:      *desc,
		Files:            uploads,
	}
	var r model.RMARequest
	if len(uploads) == 0 {
		r, err = c.app.RMA.Create(ctx, s)
	} else {
		r, err = c.app.RMA.Submit(ctx, s)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "submitted %s (%s)\n", r.Label(), r.ID)
	return nil
}

func (c *cli) transition(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "request id or number")
	notes := fs.String("notes", "", "admin notes")
	reason := fs.String("reason", "", "rejection reason")
	to := fs.String("to", "", "next status (advance)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *id == "" {
		return fmt.Errorf("%w: need -id", errUsage)
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	rid := resolveID(c.app.RMA.Requests(), *id)

	var (
		r   model.RMARequest
		err error
	)
	switch cmd {
	case "approve":
		r, err = c.app.RMA.Approve(ctx, rid, *notes)
	case "reject":
		r, err = c.app.RMA.Reject(ctx, rid, *reason)
	default:
		next, perr := rma.ParseStatus(*to)
		if perr != nil {
			return perr
		}
		r, err = c.app.RMA.Advance(ctx, rid, next, *notes)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s is now %s\n", r.Label(), r.Status)
	return nil
}

// delete is two-phase: a ticket is issued, then consumed after confirmation.
func (c *cli) delete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "request id or number")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *id == "" {
		return fmt.Errorf("%w: need -id", errUsage)
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	t, err := c.app.RMA.RequestDelete(resolveID(c.app.RMA.Requests(), *id))
	if err != nil {
		return err
	}
	if !*yes {
		fmt.Fprintf(c.out, "Delete %s? This cannot be undone. Type yes to confirm: ", t.Label)
		line, _ := c.in.ReadString('\n')
		if strings.TrimSpace(strings.ToLower(line)) != "yes" {
			fmt.Fprintln(c.out, "cancelled")
			return nil
		}
	}
	if err := c.app.RMA.ConfirmDelete(ctx, t.ID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "deleted %s\n", t.Label)
	return nil
}

func (c *cli) download(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "request id")
	typ := fs.String("type", "", "invoice, purchaseOrder, photos or additionalDocs")
	index := fs.Int("index", -1, "file index for multi-file fields")
	outPath := fs.String("out", "", "output path ('-'=stdout, default: server filename)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := c.requireLogin(ctx); err != nil {
		return err
	}
	d, err := c.app.RMA.Download(ctx, *id, *typ, *index)
	if err != nil {
		return err
	}
	defer d.Body.Close()
	return saveDownload(c.out, d, *outPath)
}

// ---- notifications ----

func (c *cli) notifications(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	feed := c.app.Feed
	switch sub {
	case "list":
		printJSON(c.out, feed.List())
		fmt.Fprintf(c.out, "%d unread\n", feed.UnreadCount())
	case "read", "rm":
		fs := flag.NewFlagSet(sub, flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.Int64("id", 0, "notification id")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		var ok bool
		if sub == "read" {
			ok = feed.MarkRead(ctx, *id)
		} else {
			ok = feed.Remove(ctx, *id)
		}
		if !ok {
			return fmt.Errorf("%w: notification %d", errs.ErrNotFound, *id)
		}
		fmt.Fprintln(c.out, "ok")
	case "read-all":
		feed.MarkAllRead(ctx)
		fmt.Fprintln(c.out, "ok")
	case "clear":
		feed.ClearAll(ctx)
		fmt.Fprintln(c.out, "ok")
	default:
		return fmt.Errorf("%w: notifications %s", errUsage, sub)
	}
	return nil
}

// ---- catalog ----

func (c *cli) dashboard(ctx context.Context) error {
	if err := c.requireLogin(ctx); err != nil {
		return err
	}
	sum, err := c.app.Catalog.Dashboard(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, sum)
	return nil
}

// ---- push channel ----

// watch prints pushed events and connectivity changes until ctx ends or the
// user quits. A line "r" on stdin retries the channel.
func (c *cli) watch(ctx context.Context) error {
	if err := c.requireLogin(ctx); err != nil {
		return err
	}
	rt := c.app.Realtime
	stamp := func() string { return time.Now().Format(time.TimeOnly) }
	banner := func(realtime.Event) {
		b := rt.Status().Banner()
		if !b.Visible {
			return
		}
		if b.Retry {
			fmt.Fprintf(c.out, "[%s] %s (r to retry)\n", stamp(), b.Message)
			return
		}
		fmt.Fprintf(c.out, "[%s] %s\n", stamp(), b.Message)
	}
	l := rt.Listeners().
		On(realtime.EventConnected, func(realtime.Event) {
			fmt.Fprintf(c.out, "[%s] connected via %s\n", stamp(), rt.Status().Transport)
		}).
		On(realtime.EventDisconnected, banner).
		On(realtime.EventReconnectError, banner).
		On(realtime.EventReconnectFailed, banner)
	defer l.Close()
	unsub := c.app.Feed.Subscribe(newFeedPrinter(c.out, c.app.Feed.List()))
	defer unsub()

	if err := c.app.StartRealtime(ctx); err != nil && !errors.Is(err, errs.ErrNotConnected) {
		return err
	}

	lines := c.readLines(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch line {
			case "r", "retry":
				fmt.Fprintf(c.out, "[%s] retrying\n", stamp())
				if err := rt.Retry(ctx); err != nil {
					fmt.Fprintf(c.out, "[%s] retry failed: %v\n", stamp(), err)
				}
			case "q", "quit":
				return nil
			default:
				fmt.Fprintf(c.out, "unknown input %q (r retries, q quits)\n", line)
			}
		}
	}
}

// readLines feeds trimmed non-empty stdin lines until EOF or ctx ends.
func (c *cli) readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			line, err := c.in.ReadString('\n')
			if s := strings.TrimSpace(line); s != "" {
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// ---- helpers ----

func fail(err error) {
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	var ae *api.Error
	if errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "api error: status=%d kind=%s msg=%s\n", ae.Status, ae.Kind, ae.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
