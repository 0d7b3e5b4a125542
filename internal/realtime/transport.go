package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport names.
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// Endpoint paths relative to the channel base URL.
const (
	SocketPath = "/socket"
	PollPath   = "/events/poll"
)

// DisconnectError ends a connection with a reason.
type DisconnectError struct {
	Reason string
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// Conn is one established channel.
type Conn interface {
	// Read blocks until the next envelope arrives or the connection ends.
	Read(ctx context.Context) (Envelope, error)
	Close() error
}

// Dialer opens a Conn over one transport.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, base string, header http.Header) (Conn, error)
}

func endpoint(base, path string, ws bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = map[bool]string{true: "ws", false: "http"}[ws]
	case "https", "wss":
		u.Scheme = map[bool]string{true: "wss", false: "https"}[ws]
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// --- websocket ---

// WebsocketDialer connects with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (WebsocketDialer) Name() string { return TransportWebsocket }

func (d WebsocketDialer) Dial(ctx context.Context, base string, header http.Header) (Conn, error) {
	u, err := endpoint(base, SocketPath, true)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket %s: %s: %w", u, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket %s: %w", u, err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c    *websocket.Conn
	once sync.Once
}

func (w *wsConn) Read(ctx context.Context) (Envelope, error) {
	stop := context.AfterFunc(ctx, func() { _ = w.c.Close() })
	defer stop()
	for {
		_, b, err := w.c.ReadMessage()
		if err != nil {
			return Envelope{}, classifyWS(err)
		}
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil || env.Event == "" {
			continue
		}
		return env, nil
	}
}

func classifyWS(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text == ReasonServerDisconnect || ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return &DisconnectError{Reason: ReasonServerDisconnect, Err: err}
		}
		return &DisconnectError{Reason: ReasonTransportClose, Err: err}
	}
	return &DisconnectError{Reason: ReasonTransportError, Err: err}
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		_ = w.c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ReasonClientDisconnect))
		err = w.c.Close()
	})
	return err
}

// --- long-poll ---

// PollingDialer connects with HTTP long-polling. The handshake returns a
// session id; each poll returns a JSON array of envelopes (possibly empty).
type PollingDialer struct {
	HTTP *http.Client
}

func (PollingDialer) Name() string { return TransportPolling }

type pollHandshake struct {
	SID string `json:"sid"`
}

func (d PollingDialer) Dial(ctx context.Context, base string, header http.Header) (Conn, error) {
	u, err := endpoint(base, PollPath, false)
	if err != nil {
		return nil, err
	}
	hc := d.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling %s: handshake: %s", u, resp.Status)
	}
	var hs pollHandshake
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&hs); err != nil || hs.SID == "" {
		return nil, fmt.Errorf("polling %s: bad handshake", u)
	}
	done, cancel := context.WithCancel(context.Background())
	return &pollConn{
		http:   hc,
		url:    u + "?sid=" + url.QueryEscape(hs.SID),
		header: header.Clone(),
		done:   done,
		cancel: cancel,
	}, nil
}

type pollConn struct {
	http   *http.Client
	url    string
	header http.Header
	done   context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	buf []Envelope
}

func (p *pollConn) Read(ctx context.Context) (Envelope, error) {
	for {
		p.mu.Lock()
		if len(p.buf) > 0 {
			env := p.buf[0]
			p.buf = p.buf[1:]
			p.mu.Unlock()
			return env, nil
		}
		p.mu.Unlock()

		batch, err := p.poll(ctx)
		if err != nil {
			return Envelope{}, err
		}
		p.mu.Lock()
		p.buf = append(p.buf, batch...)
		p.mu.Unlock()
	}
}

func (p *pollConn) poll(ctx context.Context) ([]Envelope, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.done, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header = p.header.Clone()
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, &DisconnectError{Reason: ReasonTransportError, Err: err}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusGone, http.StatusNotFound:
		return nil, &DisconnectError{Reason: ReasonServerDisconnect}
	default:
		return nil, &DisconnectError{Reason: ReasonTransportClose, Err: fmt.Errorf("poll: %s", resp.Status)}
	}
	var batch []Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&batch); err != nil {
		return nil, &DisconnectError{Reason: ReasonTransportError, Err: err}
	}
	out := batch[:0]
	for _, env := range batch {
		if env.Event != "" {
			out = append(out, env)
		}
	}
	return out, nil
}

func (p *pollConn) Close() error {
	p.cancel()
	return nil
}
