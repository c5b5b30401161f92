package models

import "time"

// Source identifies which pipeline fed data into an Indicator.
type Source string

const (
	SourceLocal    Source = "LOCAL"
	SourceExternal Source = "EXTERNAL"
)

// ProvenanceEntry records one contributor to an Indicator, surfaced to
// consumers as a STIX external_reference.
type ProvenanceEntry struct {
	SourceName string    `json:"source_name"`
	SourceURL  string    `json:"source_url,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Geo carries the geolocation attached to an Indicator, when any provider
// in the enrichment chain produced a usable record.
type Geo struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	City        string  `json:"city,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ASN         string  `json:"asn,omitempty"`
	ISP         string  `json:"isp,omitempty"`
}

// Indicator is the central entity of the pipeline: one IP address fused
// from local reports and external reputation, with an optional geo fix.
//
// An Indicator is produced or refreshed wholesale by one preprocessor
// rebuild cycle and is never mutated afterwards (see internal/preprocessor).
type Indicator struct {
	IP                 string            `json:"ip"`
	SourceSet          []Source          `json:"source_set"`
	LocalConfidence    *int              `json:"local_confidence,omitempty"`
	ExternalConfidence *int              `json:"external_confidence,omitempty"`
	FinalConfidence    int               `json:"final_confidence"`
	FirstReportedAt    time.Time         `json:"first_reported_at"`
	LastReportedAt     time.Time         `json:"last_reported_at"`
	Categories         []string          `json:"categories,omitempty"`
	Geo                *Geo              `json:"geo,omitempty"`
	Provenance         []ProvenanceEntry `json:"provenance,omitempty"`
	ProcessedAt        time.Time         `json:"processed_at"`
}

// HasSource reports whether s contributed to the indicator.
func (i Indicator) HasSource(s Source) bool {
	for _, have := range i.SourceSet {
		if have == s {
			return true
		}
	}
	return false
}
