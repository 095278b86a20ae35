package traceagent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestLocationCollectMergesIPAndWiFi(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","lat":37.77,"lon":-122.41,"query":"203.0.113.9"}`)
	}))
	defer geo.Close()

	session, _ := newTestStore(t)
	platform := &fakePlatform{ssid: "corp-wifi", bssid: "aa:bb:cc:dd:ee:ff"}
	provider := NewLocationProvider(session, platform, LocationProviderOptions{GeoEndpoint: geo.URL})

	sample := provider.Collect(context.Background())
	if !sample.Valid() {
		t.Fatal("expected a usable sample")
	}
	if *sample.Latitude != 37.77 || *sample.Longitude != -122.41 {
		t.Fatalf("unexpected coordinates %v,%v", *sample.Latitude, *sample.Longitude)
	}
	if sample.AccuracyMeters == nil || *sample.AccuracyMeters != ipAccuracyMeters {
		t.Fatalf("unexpected accuracy %v", sample.AccuracyMeters)
	}
	if sample.Source != SourceIPWiFi {
		t.Fatalf("expected merged source, got %q", sample.Source)
	}
	if sample.IPAddress != "203.0.113.9" || sample.WiFiSSID != "corp-wifi" {
		t.Fatalf("unexpected sample %+v", sample)
	}
}

func TestLocationCollectWithoutWiFi(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","lat":1.1,"lon":2.2,"query":"198.51.100.7"}`)
	}))
	defer geo.Close()

	session, _ := newTestStore(t)
	platform := &fakePlatform{wifiErr: errStatus(500)}
	provider := NewLocationProvider(session, platform, LocationProviderOptions{GeoEndpoint: geo.URL})

	sample := provider.Collect(context.Background())
	if sample.Source != SourceIP {
		t.Fatalf("expected ip source, got %q", sample.Source)
	}
	if sample.WiFiSSID != "" || sample.WiFiBSSID != "" {
		t.Fatalf("wifi facts leaked into sample %+v", sample)
	}
}

func TestLocationGeoFailureFallsBackToPublicIP(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"fail","query":""}`)
	}))
	defer geo.Close()
	ip := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "203.0.113.50\n")
	}))
	defer ip.Close()

	session, _ := newTestStore(t)
	provider := NewLocationProvider(session, &fakePlatform{}, LocationProviderOptions{
		GeoEndpoint: geo.URL,
		IPEndpoints: []string{ip.URL},
	})

	sample := provider.Collect(context.Background())
	if sample.Valid() {
		t.Fatal("failed geolocation must not yield coordinates")
	}
	if sample.IPAddress != "203.0.113.50" {
		t.Fatalf("expected public ip fallback, got %q", sample.IPAddress)
	}
}

func TestLocationPublicIPUsesSecondEndpoint(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "198.51.100.20")
	}))
	defer working.Close()
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer geo.Close()

	session, _ := newTestStore(t)
	provider := NewLocationProvider(session, &fakePlatform{}, LocationProviderOptions{
		GeoEndpoint: geo.URL,
		IPEndpoints: []string{broken.URL, working.URL},
	})

	sample := provider.Collect(context.Background())
	if sample.IPAddress != "198.51.100.20" {
		t.Fatalf("expected second endpoint to answer, got %q", sample.IPAddress)
	}
}

func TestLocationHonorsIPToggle(t *testing.T) {
	var requests atomic.Int32
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer geo.Close()

	session, _ := newTestStore(t)
	session.EnableIPLocation = false
	platform := &fakePlatform{ssid: "corp-wifi", bssid: "aa:bb:cc:dd:ee:ff"}
	provider := NewLocationProvider(session, platform, LocationProviderOptions{
		GeoEndpoint: geo.URL,
		IPEndpoints: []string{geo.URL},
	})

	sample := provider.Collect(context.Background())
	if n := requests.Load(); n != 0 {
		t.Fatalf("ip lookup disabled but %d requests were made", n)
	}
	if sample.Valid() {
		t.Fatal("wifi metadata alone must not produce coordinates")
	}
	if sample.Source != SourceWiFi || sample.WiFiSSID != "corp-wifi" {
		t.Fatalf("unexpected sample %+v", sample)
	}
}

func TestLocationHonorsWiFiToggle(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","lat":1.0,"lon":2.0,"query":"192.0.2.1"}`)
	}))
	defer geo.Close()

	session, _ := newTestStore(t)
	session.EnableWiFiLocation = false
	platform := &fakePlatform{ssid: "corp-wifi", bssid: "aa:bb:cc:dd:ee:ff"}
	provider := NewLocationProvider(session, platform, LocationProviderOptions{GeoEndpoint: geo.URL})

	sample := provider.Collect(context.Background())
	if sample.WiFiSSID != "" {
		t.Fatalf("wifi disabled but sample carries ssid %q", sample.WiFiSSID)
	}
	if sample.Source != SourceIP {
		t.Fatalf("expected ip source, got %q", sample.Source)
	}
}
