// Package realtime keeps the single push channel to the backend: one
// connection at a time, bounded reconnection and typed event dispatch.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/limiter"
)

// State of the channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Options configure a Client.
type Options struct {
	URL                  string
	Token                func() string
	AutoConnect          bool
	Reconnection         bool
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	Timeout              time.Duration
	Transports           []string
}

// DefaultOptions returns the channel defaults for url.
func DefaultOptions(url string) Options {
	return Options{
		URL:                  url,
		AutoConnect:          false,
		Reconnection:         true,
		ReconnectionAttempts: 5,
		ReconnectionDelay:    1000 * time.Millisecond,
		Timeout:              20000 * time.Millisecond,
		Transports:           []string{TransportWebsocket, TransportPolling},
	}
}

// Status is a snapshot of the connectivity session.
type Status struct {
	State     State
	Transport string
	LastError string
	Attempt   int
	Max       int
	Exhausted bool
}

// Client owns the connection. Construct one per application root.
type Client struct {
	opts    Options
	log     *zap.Logger
	dialers map[string]Dialer
	lim     *limiter.Bounded
	bus     *bus

	mu        sync.Mutex
	state     State
	transport string
	lastErr   string
	exhausted bool
	conn      Conn
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs a client. Without dialers it uses the websocket and polling
// transports. With AutoConnect it starts connecting in the background.
func New(opts Options, log *zap.Logger, dialers ...Dialer) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if len(opts.Transports) == 0 {
		opts.Transports = []string{TransportWebsocket, TransportPolling}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if len(dialers) == 0 {
		dialers = []Dialer{
			WebsocketDialer{Dialer: &websocket.Dialer{HandshakeTimeout: opts.Timeout}},
			PollingDialer{HTTP: &http.Client{}},
		}
	}
	c := &Client{
		opts:    opts,
		log:     log,
		dialers: map[string]Dialer{},
		lim:     limiter.NewBounded(opts.ReconnectionAttempts, opts.ReconnectionDelay),
		bus:     newBus(),
		state:   StateDisconnected,
	}
	for _, d := range dialers {
		c.dialers[d.Name()] = d
	}
	if opts.AutoConnect {
		go func() { _ = c.Connect(context.Background()) }()
	}
	return c
}

// On registers h for event name and returns its deregistration func.
func (c *Client) On(name string, h Handler) func() { return c.bus.on(name, h) }

// Listeners returns an empty registration group.
func (c *Client) Listeners() *Listeners { return &Listeners{c: c} }

// ListenerCount returns the handlers registered for name.
func (c *Client) ListenerCount(name string) int { return c.bus.count(name) }

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the session.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Transport: c.transport,
		LastError: c.lastErr,
		Attempt:   c.lim.Attempts(),
		Max:       c.lim.Max(),
		Exhausted: c.exhausted,
	}
}

// Connect starts the connection loop and waits for the first attempt. A
// failed first attempt is returned while reconnection continues in the
// background. Connect on a running client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting
	c.exhausted = false
	done := c.done
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(runCtx, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and stops reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	wasConnected := c.state == StateConnected
	c.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	c.mu.Lock()
	c.state = StateDisconnected
	c.transport = ""
	c.conn = nil
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if wasConnected {
		c.bus.emit(Event{Name: EventDisconnected, Reason: ReasonClientDisconnect})
	}
}

// Retry is the manual retry: it resets the attempt budget and connects again.
func (c *Client) Retry(ctx context.Context) error {
	c.Disconnect()
	c.lim.Reset()
	c.mu.Lock()
	c.lastErr = ""
	c.exhausted = false
	c.mu.Unlock()
	return c.Connect(ctx)
}

func (c *Client) run(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)
	reconnecting, immediate := false, false
	for {
		if reconnecting {
			ok, wait := c.lim.Allow()
			if !ok {
				c.giveUp()
				return
			}
			c.setState(StateReconnecting)
			if immediate && c.lim.Attempts() == 0 {
				wait = 0
			}
			if !sleep(ctx, wait) {
				return
			}
		}

		conn, name, err := c.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			if first != nil {
				first <- ctx.Err()
			}
			return
		}
		if err != nil {
			if first != nil {
				first <- fmt.Errorf("%w: %v", errs.ErrNotConnected, err)
				first = nil
			}
			c.setErr(err.Error())
			if reconnecting {
				c.lim.Failure()
				c.log.Warn("realtime: reconnect failed", zap.Int("attempt", c.lim.Attempts()), zap.Error(err))
				c.bus.emit(Event{Name: EventReconnectError, Message: err.Error(), Attempt: c.lim.Attempts()})
			} else {
				c.log.Warn("realtime: connect failed", zap.Error(err))
				c.bus.emit(Event{Name: EventConnectError, Message: err.Error()})
			}
			if !c.opts.Reconnection {
				c.setState(StateDisconnected)
				c.finish()
				return
			}
			reconnecting, immediate = true, false
			continue
		}

		attempt := c.lim.Attempts() + 1
		c.lim.Success()
		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.transport = name
		c.lastErr = ""
		c.exhausted = false
		c.mu.Unlock()
		if first != nil {
			first <- nil
			first = nil
		}
		c.log.Info("realtime: connected", zap.String("transport", name))
		c.bus.emit(Event{Name: EventConnected})
		if reconnecting {
			c.bus.emit(Event{Name: EventReconnected, Attempt: attempt})
		}

		reason := c.read(ctx, conn)
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		c.log.Info("realtime: disconnected", zap.String("reason", reason))
		c.setState(StateReconnecting)
		c.bus.emit(Event{Name: EventDisconnected, Reason: reason})
		if !c.opts.Reconnection {
			c.setState(StateDisconnected)
			c.finish()
			return
		}
		reconnecting, immediate = true, reason == ReasonServerDisconnect
	}
}

// dial tries transports in preference order within one attempt.
func (c *Client) dial(ctx context.Context) (Conn, string, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	header := http.Header{}
	if c.opts.Token != nil {
		if tok := c.opts.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	var errList []error
	for _, name := range c.opts.Transports {
		d, ok := c.dialers[name]
		if !ok {
			continue
		}
		conn, err := d.Dial(dctx, c.opts.URL, header)
		if err == nil {
			return conn, name, nil
		}
		errList = append(errList, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errList) == 0 {
		return nil, "", errors.New("realtime: no usable transport")
	}
	return nil, "", errors.Join(errList...)
}

func (c *Client) read(ctx context.Context, conn Conn) string {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			var de *DisconnectError
			if errors.As(err, &de) {
				return de.Reason
			}
			return ReasonTransportError
		}
		c.bus.emit(Event{Name: env.Event, Data: env.Data})
	}
}

func (c *Client) giveUp() {
	c.mu.Lock()
	last := c.lastErr
	c.state = StateDisconnected
	c.exhausted = true
	c.lastErr = fmt.Sprintf("%v after %d attempts", errs.ErrReconnectExhausted, c.lim.Max())
	if last != "" {
		c.lastErr += ": " + last
	}
	msg := c.lastErr
	c.mu.Unlock()
	c.finish()
	c.log.Error("realtime: giving up", zap.String("error", msg))
	c.bus.emit(Event{Name: EventReconnectFailed, Message: msg, Attempt: c.lim.Attempts()})
}

// finish marks the loop as stopped so Connect can start a new one.
func (c *Client) finish() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s != StateConnected {
		c.transport = ""
	}
	c.mu.Unlock()
}

func (c *Client) setErr(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
