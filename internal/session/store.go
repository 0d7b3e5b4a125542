// Package session holds the authenticated principal and its persisted bearer token.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/crypto"
	"github.com/and161185/rma-console/internal/kv"
	"github.com/and161185/rma-console/internal/model"
)

// Storage keys.
const (
	KeyUser  = "user"
	KeyToken = "token"
)

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// errCorrupt marks a persisted entry that exists but cannot be used.
var errCorrupt = errors.New("session: corrupted entry")

// discardable reports whether err means the entry is absent or unusable,
// as opposed to the store being temporarily unreadable.
func discardable(err error) bool {
	return errors.Is(err, kv.ErrNotFound) || errors.Is(err, errCorrupt) || errors.Is(err, crypto.ErrOpen)
}

// LogoutReason tells logout listeners why the session ended.
type LogoutReason string

const (
	ReasonUser         LogoutReason = "user"
	ReasonUnauthorized LogoutReason = "unauthorized"
	ReasonExpired      LogoutReason = "expired"
	ReasonInconsistent LogoutReason = "inconsistent"
)

// Store is the session/identity store. It is safe for concurrent use.
type Store struct {
	kv  kv.Store
	log *zap.Logger
	now func() time.Time

	mu        sync.Mutex
	principal *model.Principal
	onLogout  []func(LogoutReason)
}

// NewStore constructs a store and hydrates it from durable storage.
// Corrupted entries are deleted rather than reported.
func NewStore(ctx context.Context, store kv.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{kv: store, log: log, now: time.Now}
	s.hydrate(ctx)
	return s
}

func (s *Store) hydrate(ctx context.Context) {
	ub, uerr := s.kv.Get(ctx, KeyUser)
	tf, terr := s.loadToken(ctx)

	if (uerr != nil && !discardable(uerr)) || (terr != nil && !discardable(terr)) {
		s.log.Warn("session: storage unavailable, starting logged out",
			zap.NamedError("user", uerr), zap.NamedError("token", terr))
		return
	}
	if uerr != nil || terr != nil {
		if uerr != nil && !errors.Is(uerr, kv.ErrNotFound) {
			s.log.Warn("session: unreadable user entry, clearing", zap.Error(uerr))
		}
		if terr != nil && !errors.Is(terr, kv.ErrNotFound) {
			s.log.Warn("session: unreadable token entry, clearing", zap.Error(terr))
		}
		s.clearStorage(ctx)
		return
	}

	var p model.Principal
	if err := json.Unmarshal(ub, &p); err != nil || p.Name == "" && p.Email == "" {
		s.log.Warn("session: corrupted user entry, clearing", zap.Error(err))
		s.clearStorage(ctx)
		return
	}
	if s.expired(tf.ExpiresAt) {
		s.log.Info("session: persisted token expired")
		s.clearStorage(ctx)
		return
	}
	p.Token = tf.AccessToken
	p.ExpiresAt = tf.ExpiresAt
	s.principal = &p
	s.log.Debug("session: hydrated", zap.String("email", p.Email))
}

func (s *Store) loadToken(ctx context.Context) (tokenFile, error) {
	b, err := s.kv.Get(ctx, KeyToken)
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, fmt.Errorf("%w: decode token: %v", errCorrupt, err)
	}
	if strings.TrimSpace(tf.AccessToken) == "" {
		return tokenFile{}, fmt.Errorf("%w: empty token", errCorrupt)
	}
	return tf, nil
}

func (s *Store) clearStorage(ctx context.Context) {
	if err := s.kv.Delete(ctx, KeyUser); err != nil {
		s.log.Warn("session: delete user entry", zap.Error(err))
	}
	if err := s.kv.Delete(ctx, KeyToken); err != nil {
		s.log.Warn("session: delete token entry", zap.Error(err))
	}
}

func (s *Store) expired(exp time.Time) bool {
	return !exp.IsZero() && s.now().After(exp)
}

// TokenExpiry reads the exp claim of a JWT without verifying it; the console
// only consumes tokens. Non-JWT tokens have no expiry.
func TokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Login stores the principal and its token. Either both entries are persisted
// and the principal becomes current, or neither is and an error is returned.
func (s *Store) Login(ctx context.Context, p model.Principal) error {
	if strings.TrimSpace(p.Token) == "" {
		return errors.New("validation: empty token")
	}
	if p.Name == "" && p.Email == "" {
		return errors.New("validation: principal without name/email")
	}
	p.Roles = model.NewRoleSet(p.Roles...)
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = TokenExpiry(p.Token)
	}
	if s.expired(p.ExpiresAt) {
		return errors.New("validation: token already expired")
	}

	ub, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tb, err := json.Marshal(tokenFile{AccessToken: p.Token, ExpiresAt: p.ExpiresAt})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(ctx, KeyUser, ub); err != nil {
		return fmt.Errorf("session: persist user: %w", err)
	}
	if err := s.kv.Set(ctx, KeyToken, tb); err != nil {
		if derr := s.kv.Delete(ctx, KeyUser); derr != nil {
			s.log.Warn("session: rollback user entry", zap.Error(derr))
		}
		return fmt.Errorf("session: persist token: %w", err)
	}
	s.principal = &p
	s.log.Info("session: login", zap.String("email", p.Email), zap.Strings("roles", p.Roles))
	return nil
}

// UpdateProfile refreshes the display fields of the current principal.
func (s *Store) UpdateProfile(ctx context.Context, name, email, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return errors.New("session: not logged in")
	}
	next := *s.principal
	if name != "" {
		next.Name = name
	}
	if email != "" {
		next.Email = email
	}
	if phone != "" {
		next.Phone = phone
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyUser, b); err != nil {
		return fmt.Errorf("session: persist user: %w", err)
	}
	s.principal = &next
	return nil
}

// Logout clears memory and storage and notifies listeners.
func (s *Store) Logout(ctx context.Context) {
	s.end(ctx, ReasonUser)
}

// HandleUnauthorized ends the session after an authorization failure from any API call.
func (s *Store) HandleUnauthorized(ctx context.Context) {
	s.end(ctx, ReasonUnauthorized)
}

func (s *Store) end(ctx context.Context, reason LogoutReason) {
	s.mu.Lock()
	had := s.principal != nil
	s.principal = nil
	s.clearStorage(ctx)
	hooks := slices.Clone(s.onLogout)
	s.mu.Unlock()

	if had {
		s.log.Info("session: logout", zap.String("reason", string(reason)))
	}
	for _, fn := range hooks {
		fn(reason)
	}
}

// OnLogout registers fn to run after every logout.
func (s *Store) OnLogout(fn func(LogoutReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogout = append(s.onLogout, fn)
}

// IsAuthenticated holds iff a principal is in memory and a valid token is persisted.
// When only one of the two exists, the other is cleared. A store read failure
// reports false and keeps the session.
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	s.mu.Lock()
	p := s.principal
	s.mu.Unlock()

	tf, err := s.loadToken(ctx)
	switch {
	case p == nil && err == nil:
		s.end(ctx, ReasonInconsistent)
		return false
	case p == nil:
		return false
	case err != nil && !discardable(err):
		s.log.Warn("session: token unreadable", zap.Error(err))
		return false
	case err != nil:
		s.end(ctx, ReasonInconsistent)
		return false
	case s.expired(tf.ExpiresAt):
		s.end(ctx, ReasonExpired)
		return false
	}
	return true
}

// Principal returns a copy of the current principal.
func (s *Store) Principal() (model.Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return model.Principal{}, false
	}
	p := *s.principal
	p.Roles = append(model.RoleSet(nil), s.principal.Roles...)
	return p, true
}

// Token returns the in-memory bearer token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return ""
	}
	return s.principal.Token
}

// IsAdmin reports whether the principal has the admin role.
func (s *Store) IsAdmin() bool { return s.HasRole(model.RoleAdmin) }

// HasRole reports whether the principal has role.
func (s *Store) HasRole(role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal != nil && s.principal.Roles.Has(role)
}

// HasAnyRole reports whether the principal has at least one of roles.
func (s *Store) HasAnyRole(roles ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return false
	}
	for _, r := range roles {
		if s.principal.Roles.Has(r) {
			return true
		}
	}
	return false
}
