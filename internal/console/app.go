// Package console is the application root: it builds the stores, the REST
// client, the RMA engine, the catalog and the push channel from one config
// and routes pushed events into them.
package console

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/api"
	"github.com/and161185/rma-console/internal/catalog"
	"github.com/and161185/rma-console/internal/config"
	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/kv"
	"github.com/and161185/rma-console/internal/model"
	"github.com/and161185/rma-console/internal/notify"
	"github.com/and161185/rma-console/internal/realtime"
	"github.com/and161185/rma-console/internal/rma"
	"github.com/and161185/rma-console/internal/session"
)

// App wires the console services together.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Session  *session.Store
	Feed     *notify.Feed
	API      *api.Client
	Catalog  *catalog.Service
	RMA      *rma.Engine
	Realtime *realtime.Client

	mu        sync.Mutex
	listeners *realtime.Listeners
	closers   []func()
}

// Option configures New.
type Option func(*options)

type options struct {
	dialers []realtime.Dialer
	apiOpts []api.Option
}

// WithDialers replaces the push channel transports.
func WithDialers(d ...realtime.Dialer) Option {
	return func(o *options) { o.dialers = d }
}

// WithAPIOptions passes options to the REST client.
func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) { o.apiOpts = append(o.apiOpts, opts...) }
}

// Open opens the configured store and builds the app on it. Close releases both.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	store, done, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := New(ctx, cfg, store, log, opts...)
	if err != nil {
		done()
		return nil, err
	}
	a.closers = append(a.closers, done)
	return a, nil
}

// New builds the app on store. The session is hydrated from store.
func New(ctx context.Context, cfg config.Config, store kv.Store, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{Config: cfg, Log: log}
	a.Session = session.NewStore(ctx, store, log.Named("session"))
	a.Feed = notify.NewFeed(ctx, store, log.Named("notify"))

	apiOpts := append([]api.Option{
		api.WithLogger(log.Named("api")),
		api.WithUnauthorizedHandler(func() { a.Session.HandleUnauthorized(context.Background()) }),
	}, o.apiOpts...)
	client, err := api.New(cfg.APIURL, api.TokenFunc(a.Session.Token), apiOpts...)
	if err != nil {
		return nil, err
	}
	a.API = client
	a.Catalog = catalog.NewService(client, a.Feed, log.Named("catalog"))
	a.RMA = rma.NewEngine(client, a.Session, a.Feed,
		rma.WithLogger(log.Named("rma")),
		rma.WithTicketTTL(cfg.DeleteConfirmTTL),
	)

	ro := realtime.DefaultOptions(cfg.Socket())
	ro.Token = a.Session.Token
	if cfg.ReconnectAttempts > 0 {
		ro.ReconnectionAttempts = cfg.ReconnectAttempts
	}
	if cfg.ReconnectDelay > 0 {
		ro.ReconnectionDelay = cfg.ReconnectDelay
	}
	if cfg.ConnectTimeout > 0 {
		ro.Timeout = cfg.ConnectTimeout
	}
	a.Realtime = realtime.New(ro, log.Named("realtime"), o.dialers...)

	a.Session.OnLogout(func(reason session.LogoutReason) {
		log.Info("console: session ended, closing push channel", zap.String("reason", string(reason)))
		a.StopRealtime()
	})
	return a, nil
}

// Login authenticates against the backend and starts the session.
func (a *App) Login(ctx context.Context, email, password string) (model.Principal, error) {
	p, err := a.API.Login(ctx, email, password)
	if err != nil {
		return model.Principal{}, err
	}
	if err := a.Session.Login(ctx, p); err != nil {
		return model.Principal{}, err
	}
	p, _ = a.Session.Principal()
	return p, nil
}

// Logout ends the session; the push channel is closed by the logout hook.
func (a *App) Logout(ctx context.Context) {
	a.Session.Logout(ctx)
}

// StartRealtime registers the event routing and connects the push channel.
// A failed first connect is returned while reconnection continues.
func (a *App) StartRealtime(ctx context.Context) error {
	if !a.Session.IsAuthenticated(ctx) {
		return fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	a.mu.Lock()
	if a.listeners == nil {
		a.listeners = a.route(a.Realtime.Listeners())
	}
	a.mu.Unlock()
	return a.Realtime.Connect(ctx)
}

// StopRealtime disconnects and deregisters the event routing.
func (a *App) StopRealtime() {
	a.Realtime.Disconnect()
	a.mu.Lock()
	l := a.listeners
	a.listeners = nil
	a.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// route maps pushed application events onto the feed and the catalog.
func (a *App) route(l *realtime.Listeners) *realtime.Listeners {
	ctx := context.Background()
	return l.
		On(realtime.EventNotification, func(ev realtime.Event) {
			var p realtime.NotificationPayload
			if err := ev.Decode(&p); err != nil {
				a.Log.Warn("console: bad notification", zap.Error(err))
				return
			}
			a.Feed.Add(ctx, p.Title, p.Message)
		}).
		On(realtime.EventExpiryAlert, func(ev realtime.Event) {
			var p realtime.ExpiryAlertPayload
			if err := ev.Decode(&p); err != nil {
				a.Log.Warn("console: bad expiry alert", zap.Error(err))
				return
			}
			a.Feed.Add(ctx, "Expiry alert", expiryMessage(p))
		}).
		On(realtime.EventDeviceAdded, a.deviceHandler("Device added")).
		On(realtime.EventDeviceUpdated, a.deviceHandler("Device updated")).
		On(realtime.EventReconnectFailed, func(ev realtime.Event) {
			a.Log.Error("console: push channel lost", zap.String("error", ev.Message))
		})
}

func (a *App) deviceHandler(title string) realtime.Handler {
	return func(ev realtime.Event) {
		var d model.Device
		if err := ev.Decode(&d); err != nil {
			a.Log.Warn("console: bad device event", zap.String("event", ev.Name), zap.Error(err))
			return
		}
		a.Catalog.ApplyDevice(d)
		name := d.Name
		if name == "" {
			name = d.ID
		}
		a.Feed.Add(context.Background(), title, name)
	}
}

func expiryMessage(p realtime.ExpiryAlertPayload) string {
	if p.Message != "" {
		return p.Message
	}
	name := p.Name
	if name == "" {
		name = p.ID
	}
	if p.ExpiresAt == "" {
		return strings.TrimSpace(fmt.Sprintf("%s %s is about to expire", p.Kind, name))
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s expires %s", p.Kind, name, p.ExpiresAt))
}

// Close stops the push channel and releases the store.
func (a *App) Close() {
	a.StopRealtime()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
