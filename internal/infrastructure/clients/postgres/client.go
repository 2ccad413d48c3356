package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/meridianhealth/procedure-advisor/pkg/config"
	"github.com/meridianhealth/procedure-advisor/pkg/retry"
)

// Client represents a PostgreSQL database client backed by a bounded
// connection pool, with a dedicated single-connection fallback used when the
// pool cannot hand out a connection within the acquire timeout.
type Client struct {
	db             *sql.DB
	fallback       *sql.DB
	acquireTimeout time.Duration
	queryTimeout   time.Duration
}

// NewClient creates a new PostgreSQL client with exponential backoff retry
func NewClient(cfg *config.DatabaseConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolMaxOpen)
	db.SetMaxIdleConns(cfg.PoolMaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	fallback, err := sql.Open("postgres", cfg.DatabaseDSN())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open fallback connection: %w", err)
	}
	fallback.SetMaxOpenConns(1)
	fallback.SetMaxIdleConns(1)

	retryConfig := retry.DefaultConfig()
	err = retry.DoWithLog(
		context.Background(),
		retryConfig,
		"PostgreSQL",
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.PingContext(ctx)
		},
		func(attempt int, err error, nextDelay time.Duration) {
			log.Printf("PostgreSQL connection attempt %d failed: %v. Retrying in %v...", attempt, err, nextDelay)
		},
	)

	if err != nil {
		db.Close()
		fallback.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL after retries: %w", err)
	}

	return &Client{
		db:             db,
		fallback:       fallback,
		acquireTimeout: cfg.AcquireTimeout,
		queryTimeout:   cfg.QueryTimeout,
	}, nil
}

// DB returns the underlying pooled database handle
func (c *Client) DB() *sql.DB {
	return c.db
}

// QueryTimeout returns the configured per-query timeout
func (c *Client) QueryTimeout() time.Duration {
	return c.queryTimeout
}

// WithConn runs fn on a pooled connection. If the pool cannot provide one
// within the acquire timeout, fn runs on the single fallback connection so a
// saturated pool degrades to queueing instead of unbounded blocking.
func (c *Client) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	conn, err := c.db.Conn(acquireCtx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err = c.fallback.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire database connection: %w", err)
		}
	}
	defer conn.Close()

	return fn(conn)
}

// Close closes the database connections
func (c *Client) Close() error {
	ferr := c.fallback.Close()
	if err := c.db.Close(); err != nil {
		return err
	}
	return ferr
}

// Ping verifies the connection to the database
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
