package geoenrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"iocbridge/internal/models"
)

// Provider is the capability each geolocation source implements; the open
// question resolves to: a flat, ordered list of fetch(ip) capabilities, no
// inheritance. Each concrete provider owns its own response shape and
// defensively decodes it.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, httpClient *http.Client, ip string) (models.GeoRecord, error)
}

// httpGetProvider is the shared shell for the free-tier JSON geo APIs: a
// GET to baseURL+ip (or baseURL?query=ip), decoded defensively by the
// provider-specific decode func.
type httpGetProvider struct {
	name    string
	urlFunc func(ip string) string
	decode  func(body []byte, ip string) (models.GeoRecord, error)
}

func (p httpGetProvider) Name() string { return p.name }

func (p httpGetProvider) Lookup(ctx context.Context, httpClient *http.Client, ip string) (models.GeoRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.urlFunc(ip), nil)
	if err != nil {
		return models.GeoRecord{}, fmt.Errorf("geoenrich: %s: build request: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return models.GeoRecord{}, fmt.Errorf("geoenrich: %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.GeoRecord{}, fmt.Errorf("geoenrich: %s: status %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.GeoRecord{}, fmt.Errorf("geoenrich: %s: read body: %w", p.name, err)
	}
	return p.decode(body, ip)
}

// ipWhoisShape mirrors ip-api.com's response field names.
type ipWhoisShape struct {
	Status      string  `json:"status"`
	CountryCode string  `json:"countryCode"`
	Country     string  `json:"country"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	AS          string  `json:"as"`
}

// freeGeoShape mirrors ipapi.co's response field names.
type freeGeoShape struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Org         string  `json:"org"`
	Asn         string  `json:"asn"`
	Error       bool    `json:"error"`
}

// geoLocateShape mirrors geolocation-db.com's response field names: a
// simpler shape with no ASN field and coordinates given as strings.
type geoLocateShape struct {
	CountryCode string  `json:"country_code2"`
	CountryName string  `json:"country_name"`
	City        string  `json:"city"`
	Latitude    string  `json:"latitude"`
	Longitude   string  `json:"longitude"`
	ISP         string  `json:"isp"`
}

// DefaultProviders builds the default three-provider chain. Order
// matters: it is the fallback order, attempted until one yields a usable
// record.
func DefaultProviders() []Provider {
	return []Provider{
		httpGetProvider{
			name:    "ip-api",
			urlFunc: func(ip string) string { return "http://ip-api.com/json/" + ip },
			decode: func(body []byte, ip string) (models.GeoRecord, error) {
				var s ipWhoisShape
				if err := json.Unmarshal(body, &s); err != nil {
					return models.GeoRecord{}, err
				}
				if s.Status != "success" {
					return models.GeoRecord{}, fmt.Errorf("ip-api: lookup failed for %s", ip)
				}
				return models.GeoRecord{
					IP: ip, CountryCode: s.CountryCode, CountryName: s.Country,
					City: s.City, Lat: s.Lat, Lon: s.Lon, ASN: s.AS, ISP: s.ISP,
					ProviderName: "ip-api",
				}, nil
			},
		},
		httpGetProvider{
			name:    "ipapi.co",
			urlFunc: func(ip string) string { return "https://ipapi.co/" + ip + "/json/" },
			decode: func(body []byte, ip string) (models.GeoRecord, error) {
				var s freeGeoShape
				if err := json.Unmarshal(body, &s); err != nil {
					return models.GeoRecord{}, err
				}
				if s.Error {
					return models.GeoRecord{}, fmt.Errorf("ipapi.co: lookup failed for %s", ip)
				}
				return models.GeoRecord{
					IP: ip, CountryCode: s.CountryCode, CountryName: s.CountryName,
					City: s.City, Lat: s.Latitude, Lon: s.Longitude, ASN: s.Asn, ISP: s.Org,
					ProviderName: "ipapi.co",
				}, nil
			},
		},
		httpGetProvider{
			name:    "geolocation-db",
			urlFunc: func(ip string) string { return "https://geolocation-db.com/json/" + ip },
			decode: func(body []byte, ip string) (models.GeoRecord, error) {
				var s geoLocateShape
				if err := json.Unmarshal(body, &s); err != nil {
					return models.GeoRecord{}, err
				}
				lat, lon := parseFloat(s.Latitude), parseFloat(s.Longitude)
				return models.GeoRecord{
					IP: ip, CountryCode: s.CountryCode, CountryName: s.CountryName,
					City: s.City, Lat: lat, Lon: lon, ISP: s.ISP,
					ProviderName: "geolocation-db",
				}, nil
			},
		},
	}
}

func parseFloat(s string) float64 {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	if err != nil {
		return 0
	}
	return f
}
