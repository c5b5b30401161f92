package taxii

import (
	"encoding/json"
	"testing"
	"time"

	"iocbridge/internal/models"
)

func sampleIndicator() models.Indicator {
	local, external := 90, 75
	return models.Indicator{
		IP:                 "203.0.113.10",
		SourceSet:          []models.Source{models.SourceLocal, models.SourceExternal},
		LocalConfidence:    &local,
		ExternalConfidence: &external,
		FinalConfidence:    87,
		Categories:         []string{"scanning", "bruteforce"},
		Geo: &models.Geo{
			CountryCode: "DE",
			CountryName: "Germany",
			City:        "Berlin",
			Lat:         52.52,
			Lon:         13.405,
		},
		Provenance: []models.ProvenanceEntry{
			{SourceName: "local-threat-db"},
			{SourceName: "reputation-api", SourceURL: "https://example.test/check"},
		},
		ProcessedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestToIndicatorObject_RequiredFields(t *testing.T) {
	obj := ToIndicatorObject(sampleIndicator(), false)

	if obj.Type != "indicator" || obj.SpecVersion != "2.1" || obj.PatternType != "stix" {
		t.Errorf("unexpected constant fields: %+v", obj)
	}
	if obj.Pattern != "[ipv4-addr:value = '203.0.113.10']" {
		t.Errorf("pattern = %q", obj.Pattern)
	}
	if obj.Confidence != 87 {
		t.Errorf("confidence = %d, want 87", obj.Confidence)
	}
	if obj.Created != "2026-07-01T12:00:00Z" || obj.Modified != obj.Created || obj.ValidFrom != obj.Created {
		t.Errorf("timestamps: created=%q modified=%q valid_from=%q", obj.Created, obj.Modified, obj.ValidFrom)
	}
	if len(obj.Labels) != 1 || obj.Labels[0] != "malicious-activity" {
		t.Errorf("labels = %v", obj.Labels)
	}
}

func TestToIndicatorObject_IPv6Pattern(t *testing.T) {
	ind := sampleIndicator()
	ind.IP = "2001:db8::1"
	obj := ToIndicatorObject(ind, true)
	if obj.Pattern != "[ipv6-addr:value = '2001:db8::1']" {
		t.Errorf("pattern = %q", obj.Pattern)
	}
}

func TestToIndicatorObject_GeoPointIsLonLat(t *testing.T) {
	obj := ToIndicatorObject(sampleIndicator(), false)
	if len(obj.XGeoPoint) != 2 {
		t.Fatalf("x_elastic_geo_point = %v", obj.XGeoPoint)
	}
	if obj.XGeoPoint[0] != 13.405 || obj.XGeoPoint[1] != 52.52 {
		t.Errorf("x_elastic_geo_point must be [lon, lat], got %v", obj.XGeoPoint)
	}
	if obj.XGeoCoordinates == nil || obj.XGeoCoordinates.Lat != 52.52 || obj.XGeoCoordinates.Lon != 13.405 {
		t.Errorf("x_elastic_geo_coordinates = %+v", obj.XGeoCoordinates)
	}
}

func TestToIndicatorObject_NoGeo_OmitsGeoFields(t *testing.T) {
	ind := sampleIndicator()
	ind.Geo = nil
	raw, err := json.Marshal(ToIndicatorObject(ind, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{
		"x_elastic_geo_country_code", "x_elastic_geo_country_name",
		"x_elastic_geo_city", "x_elastic_geo_coordinates",
		"x_elastic_geo_location", "x_elastic_geo_point",
	} {
		if _, present := m[key]; present {
			t.Errorf("expected %s to be omitted without geo data", key)
		}
	}
}

func TestToIndicatorObject_DeterministicID(t *testing.T) {
	a := ToIndicatorObject(sampleIndicator(), false)
	b := ToIndicatorObject(sampleIndicator(), false)
	if a.ID != b.ID {
		t.Errorf("id must be stable per ip: %q vs %q", a.ID, b.ID)
	}
	other := sampleIndicator()
	other.IP = "198.51.100.7"
	if c := ToIndicatorObject(other, false); c.ID == a.ID {
		t.Error("distinct ips must not share an id")
	}
}

// Serializing the wire object and decoding it back preserves every
// required and x_ field.
func TestIndicatorObject_JSONRoundTrip(t *testing.T) {
	obj := ToIndicatorObject(sampleIndicator(), false)
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back IndicatorObject
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.ID != obj.ID || back.Pattern != obj.Pattern || back.Confidence != obj.Confidence {
		t.Errorf("round trip mutated required fields: %+v vs %+v", back, obj)
	}
	if *back.XLocalConfidence != 90 || *back.XExternalConfidence != 75 {
		t.Errorf("round trip mutated x_ confidences: %+v", back)
	}
	if len(back.XSourceSet) != 2 || back.XSourceSet[0] != "LOCAL" || back.XSourceSet[1] != "EXTERNAL" {
		t.Errorf("x_source_set = %v", back.XSourceSet)
	}
	if len(back.ExternalReferences) != 2 || back.ExternalReferences[1].URL != "https://example.test/check" {
		t.Errorf("external_references = %+v", back.ExternalReferences)
	}
	if len(back.XGeoPoint) != 2 || back.XGeoPoint[0] != obj.XGeoPoint[0] {
		t.Errorf("x_elastic_geo_point = %v", back.XGeoPoint)
	}
}
