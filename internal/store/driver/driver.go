// Package driver opens the session store selected by STORE_DRIVER.
package driver

import (
	"context"
	"fmt"
	"io"

	"codedojo/collab/internal/config"
	"codedojo/collab/internal/store"
	"codedojo/collab/internal/store/mongostore"
	"codedojo/collab/internal/store/redisstore"
	"codedojo/collab/internal/store/sqlstore"
	"codedojo/collab/internal/utils"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open connects the configured backend. The returned closer releases its
// connections and is never nil on success.
func Open(ctx context.Context, cfg *config.Config, log *utils.Logger) (store.SessionStore, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory, "":
		log.Warn("using in-memory session store; sessions are lost on restart")
		return store.NewMemory(), nopCloser{}, nil
	case config.DriverRedis:
		s, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisSessionTTL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("connected to redis", "addr", cfg.RedisAddr, "ttl", cfg.RedisSessionTTL)
		return s, s, nil
	case config.DriverPostgres:
		s, err := sqlstore.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("connected to postgres")
		return s, s, nil
	case config.DriverSQLite:
		s, err := sqlstore.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("opened sqlite database", "dsn", cfg.DatabaseURL)
		return s, s, nil
	case config.DriverMongo:
		s, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		log.Info("connected to mongo", "database", cfg.MongoDB)
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
