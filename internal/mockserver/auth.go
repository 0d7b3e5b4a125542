package mockserver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/rma-console/internal/crypto"
	"github.com/and161185/rma-console/internal/errs"
	"github.com/and161185/rma-console/internal/limiter"
	"github.com/and161185/rma-console/internal/model"
)

// Static bearer tokens accepted without a login.
const (
	AdminToken = "admin-token"
	UserToken  = "user-token"
)

// Account is a login the mock accepts.
type Account struct {
	Email     string
	Password  string
	Principal model.Principal
}

// DefaultAccounts returns one admin and one regular user.
func DefaultAccounts() []Account {
	return []Account{
		{
			Email:    "admin@example.com",
			Password: "admin",
			Principal: model.Principal{
				Name: "Ada Admin", Email: "admin@example.com", Phone: "+1 555 0100",
				Roles: model.NewRoleSet(model.RoleAdmin, "user"),
			},
		},
		{
			Email:    "user@example.com",
			Password: "user",
			Principal: model.Principal{
				Name: "Uma User", Email: "user@example.com", Phone: "+1 555 0101",
				Roles: model.NewRoleSet("user"),
			},
		},
	}
}

type account struct {
	principal model.Principal
	salt      []byte
	hash      []byte
}

// authenticator checks credentials and bearer tokens. Logins are rate
// limited per email: after maxLoginFailures consecutive failures further
// attempts are refused until a success resets the counter.
type authenticator struct {
	signKey   []byte
	accessTTL time.Duration
	now       func() time.Time

	mu       sync.Mutex
	accounts map[string]account
	tokens   map[string]model.Principal
	failures map[string]*limiter.Bounded
}

const maxLoginFailures = 5

func newAuthenticator(accounts []Account, signKey []byte, accessTTL time.Duration) (*authenticator, error) {
	a := &authenticator{
		signKey:   signKey,
		accessTTL: accessTTL,
		now:       time.Now,
		accounts:  map[string]account{},
		tokens:    map[string]model.Principal{},
		failures:  map[string]*limiter.Bounded{},
	}
	for _, acc := range accounts {
		if err := a.register(acc); err != nil {
			return nil, err
		}
	}
	// static tokens belong to the first admin and the first regular account
	for _, acc := range accounts {
		p := a.accounts[strings.ToLower(strings.TrimSpace(acc.Email))].principal
		tok := UserToken
		if p.Roles.Has(model.RoleAdmin) {
			tok = AdminToken
		}
		if _, taken := a.tokens[tok]; !taken {
			a.tokens[tok] = p
		}
	}
	return a, nil
}

// register stores an account with an Argon2id password hash and a per-account salt.
func (a *authenticator) register(acc Account) error {
	email := strings.ToLower(strings.TrimSpace(acc.Email))
	if email == "" || acc.Password == "" {
		return errors.New("validation: empty email/password")
	}
	salt, err := crypto.Rand(crypto.SaltLen)
	if err != nil {
		return err
	}
	p := acc.Principal
	if p.ID == "" {
		uid, err := uuid.NewV4()
		if err != nil {
			return err
		}
		p.ID = uid.String()
	}
	if p.Email == "" {
		p.Email = email
	}
	p.Roles = model.NewRoleSet(p.Roles...)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[email] = account{
		principal: p,
		salt:      salt,
		hash:      crypto.KeyFromPassphrase([]byte(acc.Password), salt),
	}
	return nil
}

// login verifies credentials and issues an access token.
func (a *authenticator) login(email, password string) (string, model.Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	a.mu.Lock()
	lim, ok := a.failures[email]
	if !ok {
		lim = limiter.NewBounded(maxLoginFailures, 0)
		a.failures[email] = lim
	}
	acc, found := a.accounts[email]
	a.mu.Unlock()

	if allowed, _ := lim.Allow(); !allowed {
		return "", model.Principal{}, errs.ErrRateLimited
	}
	if !found || !crypto.VerifyPassphrase([]byte(password), acc.salt, acc.hash) {
		// unknown email and wrong password look the same
		lim.Failure()
		return "", model.Principal{}, errs.ErrUnauthorized
	}
	lim.Success()

	tok, exp, err := a.issueAccessToken(acc.principal)
	if err != nil {
		return "", model.Principal{}, err
	}
	p := acc.principal
	p.ExpiresAt = exp
	a.mu.Lock()
	a.tokens[tok] = p
	a.mu.Unlock()
	return tok, p, nil
}

// issueAccessToken creates a signed HS256 JWT for the principal.
func (a *authenticator) issueAccessToken(p model.Principal) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.accessTTL)
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	claims := jwt.RegisteredClaims{
		Subject:   p.ID,
		ID:        jti.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signKey)
	return signed, exp, err
}

// principal resolves a bearer token. Issued JWTs are checked for signature
// and expiry; static tokens never expire.
func (a *authenticator) principal(token string) (model.Principal, bool) {
	if token == "" {
		return model.Principal{}, false
	}
	a.mu.Lock()
	p, ok := a.tokens[token]
	a.mu.Unlock()
	if !ok {
		return model.Principal{}, false
	}
	if token == AdminToken || token == UserToken {
		return p, true
	}
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return a.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		a.revoke(token)
		return model.Principal{}, false
	}
	return p, true
}

func (a *authenticator) revoke(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

type ctxKey string

const principalKey ctxKey = "rma.principal"

// withPrincipal stores the authenticated principal in ctx.
func withPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// principalFrom fetches the principal stored by the auth middleware.
func principalFrom(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok
}

func bearer(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
