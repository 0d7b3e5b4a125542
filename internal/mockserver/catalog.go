package mockserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/model"
	"github.com/and161185/rma-console/internal/realtime"
)

// table is an in-memory catalog collection in insertion order.
type table[T model.Entity] struct {
	withID func(T, string) T

	mu    sync.Mutex
	items []T
}

func newTable[T model.Entity](withID func(T, string) T, seed ...T) *table[T] {
	return &table[T]{withID: withID, items: append([]T{}, seed...)}
}

func (t *table[T]) list() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]T{}, t.items...)
}

func (t *table[T]) create(v T) (T, error) {
	if v.EntityID() == "" {
		uid, err := uuid.NewV4()
		if err != nil {
			return v, err
		}
		v = t.withID(v, uid.String())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, it := range t.items {
		if it.EntityID() == v.EntityID() {
			return v, errConflict
		}
	}
	t.items = append(t.items, v)
	return v, nil
}

func (t *table[T]) update(id string, v T) (T, bool) {
	v = t.withID(v, id)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.items {
		if t.items[i].EntityID() == id {
			t.items[i] = v
			return v, true
		}
	}
	return v, false
}

func (t *table[T]) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.items {
		if t.items[i].EntityID() == id {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return true
		}
	}
	return false
}

// mountTable registers list/create/update/delete for t under path. Reads
// need a login, writes need the admin role. onWrite runs after a confirmed
// create ("created") or update ("updated").
func mountTable[T model.Entity](r *mux.Router, path string, t *table[T], onWrite func(r *http.Request, op string, v T)) {
	r.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, t.list())
	}).Methods(http.MethodGet)

	r.HandleFunc(path, admin(func(w http.ResponseWriter, r *http.Request) {
		var v T
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if strings.TrimSpace(v.DisplayName()) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		out, err := t.create(v)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if onWrite != nil {
			onWrite(r, "created", out)
		}
		writeData(w, http.StatusCreated, out)
	})).Methods(http.MethodPost)

	r.HandleFunc(path+"/{id}", admin(func(w http.ResponseWriter, r *http.Request) {
		var v T
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		out, ok := t.update(mux.Vars(r)["id"], v)
		if !ok {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if onWrite != nil {
			onWrite(r, "updated", out)
		}
		writeData(w, http.StatusOK, out)
	})).Methods(http.MethodPut)

	r.HandleFunc(path+"/{id}", admin(func(w http.ResponseWriter, r *http.Request) {
		if !t.remove(mux.Vars(r)["id"]) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodDelete)
}

// catalog holds the five collections.
type catalog struct {
	devices    *table[model.Device]
	vendors    *table[model.Vendor]
	categories *table[model.Category]
	oems       *table[model.OEM]
	links      *table[model.Link]
}

func newCatalog(seed Seed) *catalog {
	return &catalog{
		devices:    newTable(func(v model.Device, id string) model.Device { v.ID = id; return v }, seed.Devices...),
		vendors:    newTable(func(v model.Vendor, id string) model.Vendor { v.ID = id; return v }, seed.Vendors...),
		categories: newTable(func(v model.Category, id string) model.Category { v.ID = id; return v }, seed.Categories...),
		oems:       newTable(func(v model.OEM, id string) model.OEM { v.ID = id; return v }, seed.OEMs...),
		links:      newTable(func(v model.Link, id string) model.Link { v.ID = id; return v }, seed.Links...),
	}
}

// deviceEvents pushes device-added / device-updated after device writes.
func (s *Server) deviceEvents(r *http.Request, op string, d model.Device) {
	ev := realtime.EventDeviceUpdated
	if op == "created" {
		ev = realtime.EventDeviceAdded
	}
	if err := s.Broadcast(r.Context(), ev, d); err != nil {
		s.log.Warn("catalog: broadcast", zap.String("event", ev), zap.Error(err))
	}
}
