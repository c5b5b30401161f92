package localreader

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"iocbridge/internal/models"
	"iocbridge/pkg/logger"
)

// Reader is a read-only projection over the upstream locally-reported-IP
// table. It never issues writes: the connection is opened in
// SQLite's read-only mode and every method here is a SELECT.
type Reader struct {
	db     *sql.DB
	table  string
	logger *logger.Logger
}

// Config selects the data source and the upstream table. The column names
// are fixed: FetchAll reads ip, confidence, categories, first_reported_at,
// last_reported_at and report_count.
type Config struct {
	DataSource string // e.g. "file:/var/lib/iocbridge/local_threats.db?mode=ro"
	Table      string // defaults to "local_threat_reports"
}

// New opens a read-only connection to the local-threat table. Connection
// pool limits stay small; the reader only ever runs one query at a time.
func New(cfg Config, log *logger.Logger) (*Reader, error) {
	if cfg.Table == "" {
		cfg.Table = "local_threat_reports"
	}
	dsn := cfg.DataSource
	if !strings.Contains(dsn, "mode=ro") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = dsn + sep + "mode=ro"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open local-threat db: %v", ErrTransient, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping local-threat db: %v", ErrTransient, err)
	}

	return &Reader{db: db, table: cfg.Table, logger: log}, nil
}

// Close releases the underlying connection pool.
func (r *Reader) Close() error {
	return r.db.Close()
}

// FetchAll returns the deduplicated, ordered sequence of locally-reported
// IPs. Deduplication picks the row with the most recent
// LastReportedAt per IP; ties break on higher Confidence.
func (r *Reader) FetchAll(ctx context.Context) ([]models.LocalRecord, error) {
	query := fmt.Sprintf(
		`SELECT ip, confidence, categories, first_reported_at, last_reported_at, report_count FROM %s`,
		r.table,
	)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrTransient, r.table, err)
	}
	defer rows.Close()

	byIP := make(map[string]models.LocalRecord)
	for rows.Next() {
		var (
			ip                         string
			confidence, reportCount    int
			categoriesCSV              string
			firstReportedAt, lastSeen  time.Time
		)
		if err := rows.Scan(&ip, &confidence, &categoriesCSV, &firstReportedAt, &lastSeen, &reportCount); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrFatal, err)
		}

		rec := models.LocalRecord{
			IP:              ip,
			Confidence:      confidence,
			Categories:      splitCategories(categoriesCSV),
			FirstReportedAt: firstReportedAt,
			LastReportedAt:  lastSeen,
			ReportCount:     reportCount,
		}

		existing, seen := byIP[ip]
		if !seen || wins(rec, existing) {
			byIP[ip] = rec
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %v", ErrTransient, err)
	}

	out := make([]models.LocalRecord, 0, len(byIP))
	for _, rec := range byIP {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })

	r.logger.Debug("localreader: fetched %d deduplicated local records", len(out))
	return out, nil
}

// wins reports whether candidate should replace incumbent under the
// most-recent-wins / higher-confidence-tiebreak rule.
func wins(candidate, incumbent models.LocalRecord) bool {
	if candidate.LastReportedAt.After(incumbent.LastReportedAt) {
		return true
	}
	if candidate.LastReportedAt.Equal(incumbent.LastReportedAt) {
		return candidate.Confidence > incumbent.Confidence
	}
	return false
}

func splitCategories(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
