package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dealdesk/dealdesk/internal/store"
	memorystore "github.com/dealdesk/dealdesk/internal/store/memory"
	postgresstore "github.com/dealdesk/dealdesk/internal/store/postgres"
)

type Globals struct {
	Debug   bool
	Version string
}

// PostgresStoreFlags configure the shared connection pool.
type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	MaxConns     int32         `help:"maximum connections in the shared pool" default:"20"`
	MinConns     int32         `help:"minimum connections kept open" default:"5"`
	ConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	ConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"DEALDESK_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// stores groups the backends every command wires the same way.
type stores struct {
	accounts  store.AccountStore
	pipelines store.PipelineStore
	deals     store.DealStore
	close     func()
}

func buildStores(ctx context.Context, storeType string, pg PostgresStoreFlags) (*stores, error) {
	switch storeType {
	case "postgres":
		if err := pg.Validate(); err != nil {
			return nil, err
		}

		poolCfg := &postgresstore.PoolConfig{
			ConnString:      pg.ConnString,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.ConnLifetime,
			MaxConnIdleTime: pg.ConnIdleTime,
		}
		pool, err := postgresstore.NewPool(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}

		if pg.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		return &stores{
			accounts:  postgresstore.NewAccountStore(pool),
			pipelines: postgresstore.NewPipelineStore(pool),
			deals:     postgresstore.NewDealStore(pool),
			close:     pool.Close,
		}, nil

	default:
		deals := memorystore.NewDealStore()
		return &stores{
			accounts:  memorystore.NewAccountStore(),
			pipelines: memorystore.NewPipelineStore(deals),
			deals:     deals,
			close:     func() {},
		}, nil
	}
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}
