package localreader

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"iocbridge/pkg/logger"
)

func seedDB(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "local.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE local_threat_reports (
			ip TEXT, confidence INTEGER, categories TEXT,
			first_reported_at DATETIME, last_reported_at DATETIME, report_count INTEGER
		)`,
		`INSERT INTO local_threat_reports VALUES ('203.0.113.10', 90, 'scanning', '2026-01-01 00:00:00', '2026-01-05 00:00:00', 3)`,
		`INSERT INTO local_threat_reports VALUES ('203.0.113.10', 40, 'scanning', '2026-01-01 00:00:00', '2026-01-02 00:00:00', 1)`,
		`INSERT INTO local_threat_reports VALUES ('192.0.2.5', 85, 'bruteforce,scanning', '2026-01-01 00:00:00', '2026-01-03 00:00:00', 2)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed exec %q: %v", s, err)
		}
	}
	return path
}

func TestReader_FetchAll_DedupesMostRecentWins(t *testing.T) {
	path := seedDB(t)
	defer os.Remove(path)

	r, err := New(Config{DataSource: path}, logger.NewLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	records, err := r.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 deduplicated records, got %d", len(records))
	}

	byIP := make(map[string]int)
	for _, rec := range records {
		byIP[rec.IP] = rec.Confidence
	}
	if got := byIP["203.0.113.10"]; got != 90 {
		t.Errorf("expected most-recent-wins confidence 90 for 203.0.113.10, got %d", got)
	}
	if got := byIP["192.0.2.5"]; got != 85 {
		t.Errorf("expected confidence 85 for 192.0.2.5, got %d", got)
	}
}

func TestReader_FetchAll_Empty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE local_threat_reports (
		ip TEXT, confidence INTEGER, categories TEXT,
		first_reported_at DATETIME, last_reported_at DATETIME, report_count INTEGER
	)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()

	r, err := New(Config{DataSource: path}, logger.NewLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	records, err := r.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected 0 records, got %d", len(records))
	}
}
