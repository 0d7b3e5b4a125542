package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Lifecycle events.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventConnectError    = "connect_error"
	EventReconnected     = "reconnected"
	EventReconnectError  = "reconnect_error"
	EventReconnectFailed = "reconnect_failed"
)

// Application events pushed by the backend.
const (
	EventNotification  = "notification"
	EventExpiryAlert   = "expiry-alert"
	EventDeviceAdded   = "device-added"
	EventDeviceUpdated = "device-updated"
)

// Disconnect reasons.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

// Envelope is the wire frame: {"event": "<name>", "data": <payload>}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is what handlers receive. Reason, Message and Attempt are set on the
// lifecycle events that carry them; Data on application events.
type Event struct {
	Name    string
	Data    json.RawMessage
	Reason  string
	Message string
	Attempt int
}

// Decode unmarshals the application payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("realtime: %s: empty payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("realtime: %s: %w", e.Name, err)
	}
	return nil
}

// NotificationPayload is the data of notification events.
type NotificationPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ExpiryAlertPayload is the data of expiry-alert events.
type ExpiryAlertPayload struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ExpiresAt string `json:"expiresAt"`
	Message   string `json:"message"`
}

// Handler receives events on the client's dispatch goroutine. Handlers must
// not call Disconnect or Retry synchronously.
type Handler func(Event)

type bus struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]Handler
}

func newBus() *bus { return &bus{handlers: map[string]map[int]Handler{}} }

func (b *bus) on(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.handlers[name] == nil {
		b.handlers[name] = map[int]Handler{}
	}
	b.handlers[name][id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[name], id)
			if len(b.handlers[name]) == 0 {
				delete(b.handlers, name)
			}
			b.mu.Unlock()
		})
	}
}

func (b *bus) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[name])
}

// emit calls handlers in registration order outside the lock.
func (b *bus) emit(ev Event) {
	b.mu.Lock()
	hs := b.handlers[ev.Name]
	ids := make([]int, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snap := make([]Handler, 0, len(ids))
	for _, id := range ids {
		snap = append(snap, hs[id])
	}
	b.mu.Unlock()
	for _, h := range snap {
		h(ev)
	}
}

// Listeners groups registrations made together so they can be removed
// together at teardown.
type Listeners struct {
	c    *Client
	mu   sync.Mutex
	offs []func()
}

// On registers h and records it in the group.
func (l *Listeners) On(name string, h Handler) *Listeners {
	off := l.c.On(name, h)
	l.mu.Lock()
	l.offs = append(l.offs, off)
	l.mu.Unlock()
	return l
}

// Close deregisters every handler of the group. Safe to call twice.
func (l *Listeners) Close() {
	l.mu.Lock()
	offs := l.offs
	l.offs = nil
	l.mu.Unlock()
	for _, off := range offs {
		off()
	}
}
