package sqlite

import (
	"context"
	"fmt"
	"time"

	relay "github.com/relaystack/subrelay/internal"
)

// InsertUsage records one completed request across the requests, clients,
// and daily_usage tables in a single transaction: the same three-table
// write the original usage tracker performs on every request, done here
// against the write connection so concurrent inserts serialise cleanly.
func (s *Store) InsertUsage(ctx context.Context, r relay.UsageRecord) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ts := r.CreatedAt
	if ts == 0 {
		ts = time.Now().Unix()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (id, timestamp, client_id, subscription, model, input_tokens, output_tokens, status_code, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, ts, r.ClientID, r.Subscription, r.Model, r.InputTokens, r.OutputTokens, r.StatusCode, r.LatencyMs)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clients (client_id, first_seen, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET last_seen = excluded.last_seen`,
		r.ClientID, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}

	date := time.Unix(ts, 0).UTC().Format("2006-01-02")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_usage (date, client_id, subscription, request_count, input_tokens, output_tokens)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(date, client_id, subscription) DO UPDATE SET
			request_count = request_count + 1,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens`,
		date, r.ClientID, r.Subscription, r.InputTokens, r.OutputTokens)
	if err != nil {
		return fmt.Errorf("upsert daily usage: %w", err)
	}

	return tx.Commit()
}

// ClientInfo is a row of the clients table.
type ClientInfo struct {
	ClientID  string
	FirstSeen int64
	LastSeen  int64
}

// Clients lists every client that has ever made a request.
func (s *Store) Clients(ctx context.Context) ([]ClientInfo, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT client_id, first_seen, last_seen FROM clients ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var out []ClientInfo
	for rows.Next() {
		var c ClientInfo
		if err := rows.Scan(&c.ClientID, &c.FirstSeen, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UsageRow aggregates one client/subscription pair's activity over a period.
type UsageRow struct {
	ClientID     string
	Subscription string
	RequestCount int64
	InputTokens  int64
	OutputTokens int64
}

// Period is the aggregation window Usage accepts.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

func (p Period) sinceDate(now time.Time) string {
	var cutoff time.Time
	switch p {
	case PeriodWeek:
		cutoff = now.AddDate(0, 0, -7)
	case PeriodMonth:
		cutoff = now.AddDate(0, -1, 0)
	default:
		cutoff = now.AddDate(0, 0, 0)
	}
	return cutoff.UTC().Format("2006-01-02")
}

// Usage aggregates daily_usage rows for the given period, grouped by
// client and subscription, the same grouping the original daily_usage
// rollup table was built to answer cheaply.
func (s *Store) Usage(ctx context.Context, period Period) ([]UsageRow, error) {
	since := period.sinceDate(time.Now())
	rows, err := s.read.QueryContext(ctx, `
		SELECT client_id, subscription, SUM(request_count), SUM(input_tokens), SUM(output_tokens)
		FROM daily_usage
		WHERE date >= ?
		GROUP BY client_id, subscription
		ORDER BY SUM(request_count) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.ClientID, &u.Subscription, &u.RequestCount, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ClientUsage aggregates one client's usage for the given period, grouped
// by subscription.
func (s *Store) ClientUsage(ctx context.Context, clientID string, period Period) ([]UsageRow, error) {
	since := period.sinceDate(time.Now())
	rows, err := s.read.QueryContext(ctx, `
		SELECT client_id, subscription, SUM(request_count), SUM(input_tokens), SUM(output_tokens)
		FROM daily_usage
		WHERE date >= ? AND client_id = ?
		GROUP BY subscription
		ORDER BY SUM(request_count) DESC`, since, clientID)
	if err != nil {
		return nil, fmt.Errorf("query client usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.ClientID, &u.Subscription, &u.RequestCount, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan client usage row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CleanupOldRequests deletes raw request rows older than the retention
// window. daily_usage is left untouched since it is already a compact
// aggregate meant to outlive the raw log.
func (s *Store) CleanupOldRequests(ctx context.Context, retain time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retain).Unix()
	res, err := s.write.ExecContext(ctx, `DELETE FROM requests WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old requests: %w", err)
	}
	return res.RowsAffected()
}
