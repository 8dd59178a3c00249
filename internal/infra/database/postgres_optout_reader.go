// internal/infra/database/postgres_optout_reader.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"optout_sync/internal/domain/optout"

	"github.com/lib/pq" // For pq.QuoteIdentifier
)

// PostgresOptOutReader implements optout.SourceReader against the opt-out table
// of the system of record.
type PostgresOptOutReader struct {
	db    *sql.DB
	query string
	now   func() time.Time
}

// NewPostgresOptOutReader builds a reader for table, which may be schema
// qualified ("launch.optout").
func NewPostgresOptOutReader(db *sql.DB, table string) (*PostgresOptOutReader, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	// Grouping on every selected column removes exact duplicate rows. The
	// window is closed-open: a row whose age equals the window is excluded.
	query := `SELECT company_id, email, deleted, modified
               FROM ` + quoted + `
               GROUP BY company_id, email, deleted, modified
               HAVING deleted = FALSE AND modified > $1`
	return &PostgresOptOutReader{db: db, query: query, now: time.Now}, nil
}

func quoteTable(table string) (string, error) {
	parts := strings.Split(strings.TrimSpace(table), ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid source table %q", table)
	}
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("invalid source table %q", table)
		}
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, "."), nil
}

// FetchChanged returns the non-deleted opt-outs modified within the last
// windowMinutes. Rows with a NULL company_id or email are returned with empty
// fields so that the caller can report them as malformed.
func (r *PostgresOptOutReader) FetchChanged(ctx context.Context, windowMinutes int) ([]optout.SourceRecord, error) {
	since := optout.Window{Minutes: windowMinutes}.Start(r.now())

	rows, err := r.db.QueryContext(ctx, r.query, since)
	if err != nil {
		return nil, fmt.Errorf("error querying changed opt-outs: %w", err)
	}
	defer rows.Close()
	return scanSourceRecords(rows)
}

// Helper to scan multiple rows
func scanSourceRecords(rows *sql.Rows) ([]optout.SourceRecord, error) {
	records := make([]optout.SourceRecord, 0)
	for rows.Next() {
		var (
			companyID sql.NullString
			email     sql.NullString
			rec       optout.SourceRecord
		)
		if err := rows.Scan(&companyID, &email, &rec.Deleted, &rec.ModifiedAt); err != nil {
			return nil, fmt.Errorf("error scanning opt-out row: %w", err)
		}
		rec.CompanyID = companyID.String
		rec.Email = email.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating opt-out rows: %w", err)
	}
	return records, nil
}
