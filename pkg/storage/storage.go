package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/commerce"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/migrate"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/platinummonkey/tollbooth/pkg/registry"
	"github.com/platinummonkey/tollbooth/pkg/subscriptions"
	"github.com/sirupsen/logrus"
)

const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// Config holds backend configuration
type Config struct {
	Type string

	PostgresURL         string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns a memory backend configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		PostgresMaxConns:    20,
		PostgresMinConns:    5,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		RedisDB:             -1,
	}
}

// Stores bundles one store per component
type Stores struct {
	Balances    balance.Store
	Packages    registry.Store
	Ledger      ledger.Store
	Receipts    commerce.ReceiptStore
	Assignments plans.Assignments
	Events      subscriptions.EventStore

	// DB is nil for the memory backend
	DB *sql.DB
}

// Migrations lists every component's schema in dependency order
func Migrations() []migrate.Set {
	return []migrate.Set{
		balance.Migrations(),
		registry.Migrations(),
		ledger.Migrations(),
		commerce.Migrations(),
		plans.Migrations(),
		subscriptions.Migrations(),
	}
}

// Open creates the stores for cfg.Type
func Open(ctx context.Context, cfg Config, log *logrus.Logger) (*Stores, error) {
	if log == nil {
		log = logrus.New()
	}

	switch cfg.Type {
	case TypeMemory, "":
		log.Warn("Using in-memory storage; state is lost on restart")
		return NewMemoryStores(), nil
	case TypePostgres:
		db, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := migrate.Run(ctx, db, log, Migrations()...); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("PostgreSQL storage ready")
		return NewPostgresStores(db), nil
	default:
		return nil, fmt.Errorf("invalid storage type: %s (must be memory or postgres)", cfg.Type)
	}
}

// NewMemoryStores returns in-process stores
func NewMemoryStores() *Stores {
	return &Stores{
		Balances:    balance.NewMemoryStore(),
		Packages:    registry.NewMemoryStore(),
		Ledger:      ledger.NewMemoryStore(),
		Receipts:    commerce.NewMemoryReceiptStore(),
		Assignments: plans.NewMemoryAssignments(),
		Events:      subscriptions.NewMemoryEventStore(),
	}
}

// NewPostgresStores returns stores sharing one connection pool
func NewPostgresStores(db *sql.DB) *Stores {
	return &Stores{
		Balances:    balance.NewPostgresStore(db),
		Packages:    registry.NewPostgresStore(db),
		Ledger:      ledger.NewPostgresStore(db),
		Receipts:    commerce.NewPostgresReceiptStore(db),
		Assignments: plans.NewPostgresAssignments(db),
		Events:      subscriptions.NewPostgresEventStore(db),
		DB:          db,
	}
}

// Close releases the connection pool, if any
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
