package sqlstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manthysbr/jobrelay/internal/core/domain"
)

const (
	ResultSetColumns  = `id, correlation_key, kind, summary, item_count, created_at`
	ResultItemColumns = `correlation_key, item_key, item_type, position, payload`
	SummaryColumns    = `correlation_key, kind, counts, totals, created_at`
)

func InsertResultSet(rs domain.ResultSet, ph Placeholder) (string, []any, error) {
	summary, err := json.Marshal(rs.Summary)
	if err != nil {
		return "", nil, fmt.Errorf("encode result summary: %w", err)
	}
	query := "INSERT INTO result_sets (" + ResultSetColumns + ") VALUES (" + marks(ph, 6) + ")"
	return query, []any{rs.ID, rs.CorrelationKey, string(rs.Kind), string(summary), rs.ItemCount, rs.CreatedAt}, nil
}

// InsertResultItem skips items whose key is already stored for the job;
// zero rows affected means the item is not new.
func InsertResultItem(item domain.ResultItem, ph Placeholder) (string, []any) {
	query := "INSERT INTO result_items (" + ResultItemColumns + ") VALUES (" + marks(ph, 5) + ") ON CONFLICT DO NOTHING"
	return query, []any{item.CorrelationKey, item.ItemKey, item.ItemType, item.Position, string(item.Payload)}
}

func InsertSummary(s domain.DerivedSummary, ph Placeholder) (string, []any, error) {
	counts, err := json.Marshal(s.Counts)
	if err != nil {
		return "", nil, fmt.Errorf("encode summary counts: %w", err)
	}
	totals, err := json.Marshal(s.Totals)
	if err != nil {
		return "", nil, fmt.Errorf("encode summary totals: %w", err)
	}
	query := "INSERT INTO derived_summaries (" + SummaryColumns + ") VALUES (" + marks(ph, 5) + ")"
	return query, []any{s.CorrelationKey, string(s.Kind), string(counts), string(totals), s.CreatedAt}, nil
}

func ScanResultSet(row Scanner) (domain.ResultSet, error) {
	var (
		rs      domain.ResultSet
		kind    string
		summary string
	)
	if err := row.Scan(&rs.ID, &rs.CorrelationKey, &kind, &summary, &rs.ItemCount, &rs.CreatedAt); err != nil {
		return domain.ResultSet{}, err
	}
	rs.Kind = domain.JobKind(kind)
	rs.CreatedAt = rs.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(summary), &rs.Summary); err != nil {
		return domain.ResultSet{}, fmt.Errorf("decode result summary: %w", err)
	}
	return rs, nil
}

func ScanResultItem(row Scanner) (domain.ResultItem, error) {
	var (
		item    domain.ResultItem
		payload string
	)
	if err := row.Scan(&item.CorrelationKey, &item.ItemKey, &item.ItemType, &item.Position, &payload); err != nil {
		return domain.ResultItem{}, err
	}
	item.Payload = json.RawMessage(payload)
	return item, nil
}

func ScanSummary(row Scanner) (domain.DerivedSummary, error) {
	var (
		s              domain.DerivedSummary
		kind           string
		counts, totals string
	)
	if err := row.Scan(&s.CorrelationKey, &kind, &counts, &totals, &s.CreatedAt); err != nil {
		return domain.DerivedSummary{}, err
	}
	s.Kind = domain.JobKind(kind)
	s.CreatedAt = s.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(counts), &s.Counts); err != nil {
		return domain.DerivedSummary{}, fmt.Errorf("decode summary counts: %w", err)
	}
	if err := json.Unmarshal([]byte(totals), &s.Totals); err != nil {
		return domain.DerivedSummary{}, fmt.Errorf("decode summary totals: %w", err)
	}
	return s, nil
}

func marks(ph Placeholder, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = ph(i + 1)
	}
	return strings.Join(out, ", ")
}
