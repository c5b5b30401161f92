package models

import (
	"encoding/json"
	"time"
)

// ReputationRecord is one provider's verdict on an IP address. Source fields
// beyond Confidence/Categories are defensively parsed: unknown upstream
// fields are ignored, missing required ones cause the record to be skipped
// by the caller rather than failing the whole batch.
type ReputationRecord struct {
	IP            string          `json:"ip"`
	Confidence    int             `json:"confidence"`
	Categories    []string        `json:"categories,omitempty"`
	ReporterCount int             `json:"reporter_count"`
	LastSeen      time.Time       `json:"last_seen"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	FetchedAt     time.Time       `json:"fetched_at"`
}
