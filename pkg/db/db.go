package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/config"
)

type Config struct {
	URL             string        `env:"DATABASE_URL,required"`
	MaxConns        int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"DATABASE_MIN_CONNS" envDefault:"1"`
	MaxConnLifetime time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" envDefault:"30m"`
	HealthCheck     time.Duration `env:"DATABASE_HEALTH_CHECK_PERIOD" envDefault:"30s"`
}

func Connect(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = c.MaxConns
	cfg.MinConns = c.MinConns
	cfg.MaxConnLifetime = c.MaxConnLifetime
	cfg.HealthCheckPeriod = c.HealthCheck
	return pgxpool.NewWithConfig(ctx, cfg)
}

// MustConnect reads DATABASE_URL and friends from the environment and
// panics on failure. Service mains have nothing useful to do without a
// pool.
func MustConnect() *pgxpool.Pool {
	var c Config
	config.MustParseEnv(&c)
	pool, err := Connect(context.Background(), c)
	if err != nil {
		panic(err)
	}
	return pool
}
