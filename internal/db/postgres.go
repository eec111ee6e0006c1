package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skridlevsky/openchaos-bounty/internal/store"
)

// serializationFailure is the SQLSTATE for a serializable conflict
const serializationFailure = "40001"

const maxSerializationRetries = 5

// Postgres wraps the database connection pool and serves as the shared
// key-value store when several validator processes point at one database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new Postgres connection pool
func NewPostgres(databaseURL string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Configure pool settings
	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connection pool initialized",
		"max_conns", config.MaxConns,
		"min_conns", config.MinConns,
	)

	return &Postgres{pool: pool}, nil
}

// Pool returns the underlying connection pool
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Health checks the database connection
func (p *Postgres) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close gracefully closes the connection pool
func (p *Postgres) Close() error {
	slog.Info("Closing database connection pool")
	p.pool.Close()
	return nil
}

// Get reads a single key
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	return getKey(ctx, p.pool, key)
}

// List reads all keys under prefix, ordered by key
func (p *Postgres) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	return listPrefix(ctx, p.pool, prefix)
}

// View runs fn against a read-only snapshot
func (p *Postgres) View(ctx context.Context, fn func(r store.Reader) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	return fn(&pgTxn{ctx: ctx, tx: tx})
}

// Update runs fn in a serializable transaction. Serialization failures
// caused by a concurrent validator are retried; every other error rolls
// the transaction back untouched.
func (p *Postgres) Update(ctx context.Context, fn func(tx store.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = p.updateOnce(ctx, fn)
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != serializationFailure {
			return err
		}
		slog.Debug("Serialization conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("failed to commit after %d attempts: %w", maxSerializationRetries, err)
}

func (p *Postgres) updateOnce(ctx context.Context, fn func(tx store.Txn) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTxn{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getKey(ctx context.Context, q querier, key string) ([]byte, error) {
	var value []byte
	err := q.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func listPrefix(ctx context.Context, q querier, prefix string) ([]store.Entry, error) {
	rows, err := q.Query(ctx,
		`SELECT key, value FROM kv WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	entries := []store.Entry{}
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type pgTxn struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTxn) Get(key string) ([]byte, error) {
	return getKey(t.ctx, t.tx, key)
}

func (t *pgTxn) List(prefix string) ([]store.Entry, error) {
	return listPrefix(t.ctx, t.tx, prefix)
}

func (t *pgTxn) Set(key string, value []byte) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (t *pgTxn) Delete(key string) error {
	if _, err := t.tx.Exec(t.ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
