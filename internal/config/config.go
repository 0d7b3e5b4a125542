// Package config reads console settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config is the resolved console configuration.
type Config struct {
	APIURL            string
	SocketURL         string
	StateDir          string
	Store             string
	DatabaseDSN       string
	Namespace         string
	SealTokens        bool
	SealPassphrase    string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	DeleteConfirmTTL  time.Duration
}

// DefaultStateDir is $XDG_CONFIG_HOME/rma-console, falling back to
// ~/.config/rma-console.
func DefaultStateDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "rma-console")
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".config", "rma-console")
}

// Load reads .env (if present) and the RMA_* variables. RMA_API_URL is not
// required here; binaries call Validate once flags are applied.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the RMA_* variables without touching .env.
func FromEnv() (Config, error) {
	c := Config{
		APIURL:         strings.TrimRight(get("RMA_API_URL", ""), "/"),
		SocketURL:      strings.TrimRight(get("RMA_SOCKET_URL", ""), "/"),
		StateDir:       get("RMA_STATE_DIR", DefaultStateDir()),
		Store:          strings.ToLower(get("RMA_STORE", StoreFile)),
		DatabaseDSN:    get("RMA_DATABASE_DSN", ""),
		Namespace:      get("RMA_STATE_NAMESPACE", "default"),
		SealPassphrase: os.Getenv("RMA_SEAL_PASSPHRASE"),
	}
	var err error
	if c.SealTokens, err = getBool("RMA_SEAL_TOKENS", true); err != nil {
		return Config{}, err
	}
	if c.ReconnectAttempts, err = getInt("RMA_RECONNECT_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if c.ReconnectDelay, err = getDuration("RMA_RECONNECT_DELAY", time.Second); err != nil {
		return Config{}, err
	}
	if c.ConnectTimeout, err = getDuration("RMA_CONNECT_TIMEOUT", 20*time.Second); err != nil {
		return Config{}, err
	}
	if c.DeleteConfirmTTL, err = getDuration("RMA_DELETE_CONFIRM_TTL", 30*time.Second); err != nil {
		return Config{}, err
	}
	switch c.Store {
	case StoreFile, StorePostgres:
	default:
		return Config{}, fmt.Errorf("config: RMA_STORE: unknown store %q", c.Store)
	}
	return c, nil
}

// Validate checks the settings a running console cannot do without.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return must("RMA_API_URL")
	}
	if c.Store == StorePostgres && c.DatabaseDSN == "" {
		return must("RMA_DATABASE_DSN")
	}
	if c.ReconnectAttempts < 0 {
		return errors.New("config: RMA_RECONNECT_ATTEMPTS must not be negative")
	}
	return nil
}

// Socket returns the push channel base URL, defaulting to the API URL.
func (c Config) Socket() string {
	if c.SocketURL != "" {
		return c.SocketURL
	}
	return c.APIURL
}

func get(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func must(k string) error { return fmt.Errorf("config: missing env %s", k) }

func getBool(k string, def bool) (bool, error) {
	v := get(k, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", k, err)
	}
	return b, nil
}

func getInt(k string, def int) (int, error) {
	v := get(k, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", k, err)
	}
	return n, nil
}

// getDuration accepts Go durations ("1.5s") or bare milliseconds ("1000").
func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := get(k, "")
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", k, err)
	}
	return d, nil
}
