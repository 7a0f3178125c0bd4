package duckdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

//go:embed schema.sql
var schema string

// Repository is the embedded job store. An empty path opens an in-memory
// database.
type Repository struct {
	db *sql.DB
}

// Ensure Repository implements Repository interface
var _ ports.Repository = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// querier is the subset of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx ports.JobTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&jobTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// jobTx runs the unit-of-work operations against an open transaction.
type jobTx struct {
	q querier
}

func (t *jobTx) Transition(ctx context.Context, key string, tr domain.Transition) (domain.Job, bool, error) {
	return transition(ctx, t.q, key, tr)
}

func (t *jobTx) SaveResultSet(ctx context.Context, rs domain.ResultSet) error {
	return saveResultSet(ctx, t.q, rs)
}

func (t *jobTx) AppendResultItems(ctx context.Context, key string, items []domain.ResultItem) ([]domain.ResultItem, error) {
	return appendResultItems(ctx, t.q, key, items)
}

func (t *jobTx) CountResultItems(ctx context.Context, key string) (int, error) {
	return countResultItems(ctx, t.q, key)
}

func isDuplicate(err error) bool {
	var dErr *duckdb.Error
	if errors.As(err, &dErr) && dErr.Type == duckdb.ErrorTypeConstraint {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
