package models

import "time"

// GeoRecord is a cached geolocation lookup for one IP, tagged with the
// provider that produced it so the Geo Enricher's fallback chain can be
// audited.
type GeoRecord struct {
	IP           string    `json:"ip"`
	CountryCode  string    `json:"country_code"`
	CountryName  string    `json:"country_name"`
	City         string    `json:"city,omitempty"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	ASN          string    `json:"asn,omitempty"`
	ISP          string    `json:"isp,omitempty"`
	ProviderName string    `json:"provider_name"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Usable reports whether the record has enough data to attach to an
// Indicator: at minimum a country code and coordinates.
func (g GeoRecord) Usable() bool {
	return g.CountryCode != "" && (g.Lat != 0 || g.Lon != 0)
}
