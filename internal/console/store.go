package console

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/and161185/rma-console/internal/config"
	"github.com/and161185/rma-console/internal/crypto"
	"github.com/and161185/rma-console/internal/kv"
	"github.com/and161185/rma-console/internal/migrate"
	"github.com/and161185/rma-console/internal/repository/postgres"
	"github.com/and161185/rma-console/internal/session"
)

// Sealing key material under the state directory.
const (
	MasterKeyFile  = "master.key"
	MasterSaltFile = "master.salt"
)

// OpenStore opens the durable key-value store selected by cfg. The returned
// func releases it. With SealTokens the session entries are encrypted with a
// key kept in the state directory, or derived from SealPassphrase when set.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (kv.Store, func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		store kv.Store
		done  = func() {}
	)
	switch cfg.Store {
	case config.StorePostgres:
		if err := migrate.Up(ctx, cfg.DatabaseDSN, log); err != nil {
			return nil, nil, err
		}
		db, err := postgres.New(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("console: postgres: %w", err)
		}
		store, done = postgres.NewKVRepo(db, cfg.Namespace), db.Close
		log.Info("console: state in postgres", zap.String("namespace", cfg.Namespace))
	case config.StoreFile, "":
		store = kv.NewFile(cfg.StateDir)
		log.Info("console: state on disk", zap.String("dir", cfg.StateDir))
	default:
		return nil, nil, fmt.Errorf("console: unknown store %q", cfg.Store)
	}

	if !cfg.SealTokens {
		return store, done, nil
	}
	key, err := masterKey(cfg)
	if err != nil {
		done()
		return nil, nil, fmt.Errorf("console: master key: %w", err)
	}
	return kv.NewSealed(store, key, session.KeyToken, session.KeyUser), done, nil
}

func masterKey(cfg config.Config) ([]byte, error) {
	if cfg.SealPassphrase == "" {
		return crypto.LoadOrCreateKey(filepath.Join(cfg.StateDir, MasterKeyFile))
	}
	salt, err := crypto.LoadOrCreateSalt(filepath.Join(cfg.StateDir, MasterSaltFile))
	if err != nil {
		return nil, err
	}
	return crypto.KeyFromPassphrase([]byte(cfg.SealPassphrase), salt), nil
}
