package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manthysbr/jobrelay/internal/adapters/sqlstore"
	"github.com/manthysbr/jobrelay/internal/core/domain"
)

func saveResultSet(ctx context.Context, q querier, rs domain.ResultSet) error {
	query, args, err := sqlstore.InsertResultSet(rs, sqlstore.Question)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result set: %w", err)
	}
	return nil
}

func appendResultItems(ctx context.Context, q querier, key string, items []domain.ResultItem) ([]domain.ResultItem, error) {
	var inserted []domain.ResultItem
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		// Repeats within one batch never reach the index.
		if seen[item.ItemKey] {
			continue
		}
		seen[item.ItemKey] = true
		item.CorrelationKey = key
		query, args := sqlstore.InsertResultItem(item, sqlstore.Question)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("insert result item %s: %w", item.ItemKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("insert result item %s: %w", item.ItemKey, err)
		}
		if n > 0 {
			inserted = append(inserted, item)
		}
	}
	return inserted, nil
}

func countResultItems(ctx context.Context, q querier, key string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM result_items WHERE correlation_key = ?", key).Scan(&n); err != nil {
		return 0, fmt.Errorf("count result items: %w", err)
	}
	return n, nil
}

func (r *Repository) GetResultSet(ctx context.Context, key string) (domain.ResultSet, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sqlstore.ResultSetColumns+" FROM result_sets WHERE correlation_key = ?", key)
	rs, err := sqlstore.ScanResultSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResultSet{}, fmt.Errorf("%w: %s", domain.ErrResultNotFound, key)
	}
	if err != nil {
		return domain.ResultSet{}, fmt.Errorf("get result set: %w", err)
	}
	return rs, nil
}

func (r *Repository) ListResultItems(ctx context.Context, key string) ([]domain.ResultItem, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+sqlstore.ResultItemColumns+" FROM result_items WHERE correlation_key = ? ORDER BY position, item_key", key)
	if err != nil {
		return nil, fmt.Errorf("query result items: %w", err)
	}
	defer rows.Close()

	items := []domain.ResultItem{}
	for rows.Next() {
		item, err := sqlstore.ScanResultItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *Repository) CreateDerivedSummary(ctx context.Context, s domain.DerivedSummary) error {
	query, args, err := sqlstore.InsertSummary(s, sqlstore.Question)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateSummary, s.CorrelationKey)
		}
		return fmt.Errorf("insert derived summary: %w", err)
	}
	return nil
}

func (r *Repository) GetDerivedSummary(ctx context.Context, key string) (domain.DerivedSummary, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sqlstore.SummaryColumns+" FROM derived_summaries WHERE correlation_key = ?", key)
	s, err := sqlstore.ScanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DerivedSummary{}, fmt.Errorf("%w: summary for %s", domain.ErrResultNotFound, key)
	}
	if err != nil {
		return domain.DerivedSummary{}, fmt.Errorf("get derived summary: %w", err)
	}
	return s, nil
}
