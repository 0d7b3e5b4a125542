// Package mockserver is an in-memory stand-in for the RMA backend: the REST
// API, the websocket push channel and its long-poll fallback. It backs the
// rma-mock binary and end-to-end tests.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/api"
	"github.com/and161185/rma-console/internal/crypto"
	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/model"
	"github.com/and161185/rma-console/internal/realtime"
)

var errConflict = fmt.Errorf("%w: already exists", errs.ErrConflict)

// Seed is the initial data set.
type Seed struct {
	RMAs       []model.RMARequest
	Devices    []model.Device
	Vendors    []model.Vendor
	Categories []model.Category
	OEMs       []model.OEM
	Links      []model.Link
}

// Options configure a Server.
type Options struct {
	Accounts   []Account
	Seed       Seed
	SigningKey []byte
	AccessTTL  time.Duration
	// PollWait bounds how long a long-poll request is held open.
	PollWait time.Duration
	Logger   *zap.Logger
}

// Server is the mock backend. Construct with New, serve Handler, stop with Close.
type Server struct {
	log     *zap.Logger
	auth    *authenticator
	hub     *hub
	rmas    *rmaStore
	catalog *catalog
	router  *mux.Router

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a server and starts its broadcast hub.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Accounts == nil {
		opts.Accounts = DefaultAccounts()
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = time.Hour
	}
	if opts.PollWait <= 0 {
		opts.PollWait = 25 * time.Second
	}
	if len(opts.SigningKey) == 0 {
		k, err := crypto.Rand(crypto.KeyLen)
		if err != nil {
			return nil, err
		}
		opts.SigningKey = k
	}
	auth, err := newAuthenticator(opts.Accounts, opts.SigningKey, opts.AccessTTL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:     opts.Logger,
		auth:    auth,
		hub:     newHub(opts.Logger, opts.PollWait),
		rmas:    newRMAStore(opts.Seed.RMAs),
		catalog: newCatalog(opts.Seed),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.router = s.routes()
	go func() {
		defer close(s.done)
		s.hub.run(ctx)
	}()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverer(s.log), logging(s.log))

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeBare(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	priv := r.NewRoute().Subrouter()
	priv.Use(s.authenticated)
	priv.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r.Context())
		writeData(w, http.StatusOK, p)
	}).Methods(http.MethodGet)
	s.mountRMA(priv)
	mountTable(priv, api.PathDevices, s.catalog.devices, s.deviceEvents)
	mountTable(priv, api.PathVendors, s.catalog.vendors, nil)
	mountTable(priv, api.PathCategories, s.catalog.categories, nil)
	mountTable(priv, api.PathOEMs, s.catalog.oems, nil)
	mountTable(priv, api.PathLinks, s.catalog.links, nil)
	priv.HandleFunc(realtime.SocketPath, s.handleSocket).Methods(http.MethodGet)
	priv.HandleFunc(realtime.PollPath, s.handlePollOpen).Methods(http.MethodPost)
	priv.HandleFunc(realtime.PollPath, s.handlePoll).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "no such route")
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Broadcast pushes an application event to every subscriber.
func (s *Server) Broadcast(ctx context.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.hub.publish(ctx, realtime.Envelope{Event: event, Data: b})
}

// DisconnectAll ends every push subscription with "io server disconnect".
func (s *Server) DisconnectAll(ctx context.Context) { s.hub.disconnectAll(ctx) }

// Subscribers returns the number of connected push subscribers.
func (s *Server) Subscribers() int { return s.hub.subscribers() }

// Devices returns the current device collection.
func (s *Server) Devices() []model.Device { return s.catalog.devices.list() }

// Close stops the hub and disconnects every subscriber.
func (s *Server) Close() {
	s.cancel()
	<-s.done
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(in.Email) == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	tok, p, err := s.auth.login(in.Email, in.Password)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeBare(w, http.StatusOK, map[string]any{"token": tok, "user": p})
}

// --- responses ---

func writeBare(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, v any) {
	writeBare(w, status, map[string]any{"success": true, "data": v})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeBare(w, status, map[string]any{"success": false, "message": msg})
}

// writeFailure maps an errs sentinel to its HTTP status.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrInvalidTransition):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	writeError(w, status, err.Error())
}
