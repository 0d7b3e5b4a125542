package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/realtime"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

// wsClient is one websocket subscriber.
type wsClient struct {
	email string
	conn  *websocket.Conn
	send  chan []byte
	// reason is written before send is closed and read after.
	reason string
}

// pollSession is one long-poll subscriber.
type pollSession struct {
	email string

	mu     sync.Mutex
	queue  []realtime.Envelope
	wake   chan struct{}
	closed bool
	seen   time.Time
}

func (p *pollSession) push(env realtime.Envelope) {
	p.mu.Lock()
	p.queue = append(p.queue, env)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// take drains the queue; ok is false once the session is closed.
func (p *pollSession) take() (batch []realtime.Envelope, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	batch, p.queue = p.queue, nil
	return batch, true
}

func (p *pollSession) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// hub fans broadcast envelopes out to every websocket client and poll
// session. The websocket set is owned by the run loop.
type hub struct {
	log      *zap.Logger
	pollWait time.Duration

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	kick       chan string
	clients    map[*wsClient]struct{}
	count      atomic.Int32

	mu    sync.Mutex
	polls map[string]*pollSession
}

func newHub(log *zap.Logger, pollWait time.Duration) *hub {
	return &hub{
		log:        log,
		pollWait:   pollWait,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte),
		kick:       make(chan string),
		clients:    map[*wsClient]struct{}{},
		polls:      map[string]*pollSession{},
	}
}

// run owns the websocket client set until ctx ends.
func (h *hub) run(ctx context.Context) {
	gc := time.NewTicker(h.pollWait)
	defer gc.Stop()
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			h.log.Debug("hub: client registered", zap.String("email", c.email))

		case c := <-h.unregister:
			h.drop(c, "")

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer
					h.drop(c, realtime.ReasonTransportClose)
				}
			}

		case reason := <-h.kick:
			for c := range h.clients {
				h.drop(c, reason)
			}

		case <-gc.C:
			h.expirePolls(time.Now().Add(-3 * h.pollWait))

		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c, realtime.ReasonServerDisconnect)
			}
			h.closePolls()
			return
		}
	}
}

func (h *hub) drop(c *wsClient, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.count.Add(-1)
	c.reason = reason
	close(c.send)
	h.log.Debug("hub: client unregistered", zap.String("email", c.email), zap.String("reason", reason))
}

// publish sends env to every subscriber.
func (h *hub) publish(ctx context.Context, env realtime.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.mu.Lock()
	for _, p := range h.polls {
		p.push(env)
	}
	h.mu.Unlock()
	select {
	case h.broadcast <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// disconnectAll ends every subscription with a server disconnect.
func (h *hub) disconnectAll(ctx context.Context) {
	h.closePolls()
	select {
	case h.kick <- realtime.ReasonServerDisconnect:
	case <-ctx.Done():
	}
}

func (h *hub) closePolls() {
	h.mu.Lock()
	polls := h.polls
	h.polls = map[string]*pollSession{}
	h.mu.Unlock()
	for _, p := range polls {
		p.close()
	}
}

func (h *hub) expirePolls(before time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, p := range h.polls {
		p.mu.Lock()
		idle := p.seen.Before(before)
		p.mu.Unlock()
		if idle {
			delete(h.polls, sid)
			p.close()
		}
	}
}

// subscribers returns the number of websocket clients and poll sessions.
func (h *hub) subscribers() int {
	h.mu.Lock()
	n := len(h.polls)
	h.mu.Unlock()
	return n + int(h.count.Load())
}

// --- websocket ---

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("socket: upgrade", zap.Error(err))
		return
	}
	c := &wsClient{email: p.Email, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case s.hub.register <- c:
	case <-s.ctx.Done():
		_ = conn.Close()
		return
	}
	go c.writePump(s.log)
	go c.readPump(s.ctx, s.hub)
}

// readPump discards inbound frames and unregisters the client when the
// connection ends.
func (c *wsClient) readPump(ctx context.Context, h *hub) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-ctx.Done():
	}
}

// writePump sends queued frames and, once send is closed, a close frame
// carrying the disconnect reason.
func (c *wsClient) writePump(log *zap.Logger) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug("socket: write", zap.Error(err))
			return
		}
	}
	if c.reason == "" {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason),
		time.Now().Add(writeWait))
}

// --- long-poll ---

func (s *Server) handlePollOpen(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	uid, err := uuid.NewV4()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sid := uid.String()
	s.hub.mu.Lock()
	s.hub.polls[sid] = &pollSession{email: p.Email, wake: make(chan struct{}, 1), seen: time.Now()}
	s.hub.mu.Unlock()
	writeBare(w, http.StatusOK, map[string]string{"sid": sid})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.hub.mu.Lock()
	ps, ok := s.hub.polls[r.URL.Query().Get("sid")]
	s.hub.mu.Unlock()
	if !ok {
		writeError(w, http.StatusGone, "unknown session")
		return
	}
	ps.mu.Lock()
	ps.seen = time.Now()
	ps.mu.Unlock()

	timer := time.NewTimer(s.hub.pollWait)
	defer timer.Stop()
	for {
		batch, open := ps.take()
		if !open {
			writeError(w, http.StatusGone, realtime.ReasonServerDisconnect)
			return
		}
		if len(batch) > 0 {
			writeBare(w, http.StatusOK, batch)
			return
		}
		select {
		case <-ps.wake:
		case <-timer.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			writeError(w, http.StatusGone, realtime.ReasonServerDisconnect)
			return
		}
	}
}
