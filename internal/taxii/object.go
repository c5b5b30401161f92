// Package taxii is the protocol server: the discovery/api-root/
// collections/objects/manifest surface that serves the preprocessor's
// committed snapshot as a standards-shaped indicator bundle.
package taxii

import (
	"fmt"

	"github.com/google/uuid"

	"iocbridge/internal/models"
)

// namespaceUUID seeds the UUIDv5-style id derivation from the ip. Any
// fixed namespace works as long as it's stable across process restarts;
// this one is this service's own.
var namespaceUUID = uuid.MustParse("b7c1a7b0-1a9b-4f3a-9c3b-2e6f6f9d9a11")

// IndicatorObject is the wire shape of one indicator: required STIX-like
// fields plus the x_ extension fields a security-analytics platform's
// custom threat intelligence ingestion expects.
type IndicatorObject struct {
	Type        string `json:"type"`
	SpecVersion string `json:"spec_version"`
	ID          string `json:"id"`
	Created     string `json:"created"`
	Modified    string `json:"modified"`
	Pattern     string `json:"pattern"`
	PatternType string `json:"pattern_type"`
	ValidFrom   string `json:"valid_from"`
	Labels      []string `json:"labels"`
	Confidence  int    `json:"confidence"`

	XLocalConfidence    *int              `json:"x_local_confidence,omitempty"`
	XExternalConfidence *int              `json:"x_external_confidence,omitempty"`
	XSourceSet          []string          `json:"x_source_set"`
	XCategories         []string          `json:"x_categories,omitempty"`
	XGeoCountryCode     string            `json:"x_elastic_geo_country_code,omitempty"`
	XGeoCountryName     string            `json:"x_elastic_geo_country_name,omitempty"`
	XGeoCity            string            `json:"x_elastic_geo_city,omitempty"`
	XGeoCoordinates     *latLon           `json:"x_elastic_geo_coordinates,omitempty"`
	XGeoLocation        *latLon           `json:"x_elastic_geo_location,omitempty"`
	XGeoPoint           []float64         `json:"x_elastic_geo_point,omitempty"`
	ExternalReferences  []externalReference `json:"external_references,omitempty"`
}

type latLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type externalReference struct {
	SourceName  string `json:"source_name"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// indicatorID derives the deterministic per-ip id.
func indicatorID(ip string) string {
	return "indicator--" + uuid.NewSHA1(namespaceUUID, []byte(ip)).String()
}

// indicatorPattern builds the STIX-shaped comparison-expression pattern.
// IPv6 addresses use the ipv6-addr analogue; the caller decides which via
// isIPv6.
func indicatorPattern(ip string, isIPv6 bool) string {
	kind := "ipv4-addr"
	if isIPv6 {
		kind = "ipv6-addr"
	}
	return fmt.Sprintf("[%s:value = '%s']", kind, ip)
}

// ToIndicatorObject builds the wire object for one Indicator. The
// x_elastic_geo_point field is [lon, lat], longitude first.
func ToIndicatorObject(ind models.Indicator, isIPv6 bool) IndicatorObject {
	created := ind.ProcessedAt.UTC().Format(rfc3339)
	sourceSet := make([]string, len(ind.SourceSet))
	for i, s := range ind.SourceSet {
		sourceSet[i] = string(s)
	}

	obj := IndicatorObject{
		Type:                "indicator",
		SpecVersion:         "2.1",
		ID:                  indicatorID(ind.IP),
		Created:             created,
		Modified:            created,
		Pattern:             indicatorPattern(ind.IP, isIPv6),
		PatternType:         "stix",
		ValidFrom:           created,
		Labels:              []string{"malicious-activity"},
		Confidence:          ind.FinalConfidence,
		XLocalConfidence:    ind.LocalConfidence,
		XExternalConfidence: ind.ExternalConfidence,
		XSourceSet:          sourceSet,
		XCategories:         ind.Categories,
	}

	if ind.Geo != nil {
		obj.XGeoCountryCode = ind.Geo.CountryCode
		obj.XGeoCountryName = ind.Geo.CountryName
		obj.XGeoCity = ind.Geo.City
		obj.XGeoCoordinates = &latLon{Lat: ind.Geo.Lat, Lon: ind.Geo.Lon}
		obj.XGeoLocation = &latLon{Lat: ind.Geo.Lat, Lon: ind.Geo.Lon}
		obj.XGeoPoint = []float64{ind.Geo.Lon, ind.Geo.Lat}
	}

	for _, p := range ind.Provenance {
		obj.ExternalReferences = append(obj.ExternalReferences, externalReference{
			SourceName: p.SourceName,
			URL:        p.SourceURL,
		})
	}

	return obj
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
