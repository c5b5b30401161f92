package models

import "time"

// LocalRecord is one row of the read-only locally-reported-IP projection
// (internal/localreader). Deduplicated by IP before it ever reaches the
// correlator: most recent LastReportedAt wins, ties broken by higher
// Confidence.
type LocalRecord struct {
	IP              string
	Confidence      int
	Categories      []string
	FirstReportedAt time.Time
	LastReportedAt  time.Time
	ReportCount     int
}
