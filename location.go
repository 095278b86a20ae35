package traceagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LocationSample is a best-effort device position, produced fresh on
// every ping attempt. Valid iff both coordinates are present.
type LocationSample struct {
	Latitude       *float64
	Longitude      *float64
	AccuracyMeters *float64
	Source         string
	IPAddress      string
	WiFiSSID       string
	WiFiBSSID      string
}

// Valid reports whether the sample carries usable coordinates.
func (s LocationSample) Valid() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// LocationSource produces location samples; it never fails the caller.
type LocationSource interface {
	Collect(ctx context.Context) LocationSample
}

// IP geolocation is approximate; the accuracy reported with every
// IP-derived fix.
const ipAccuracyMeters = 5000.0

const lookupTimeout = 5 * time.Second

// LocationProviderOptions overrides the external endpoints, mainly for
// tests.
type LocationProviderOptions struct {
	HTTPClient  *http.Client
	GeoEndpoint string
	IPEndpoints []string
}

// LocationProvider merges IP geolocation with Wi-Fi metadata. Every
// lookup degrades to partial or empty data on error; Collect never
// returns an error and never panics.
type LocationProvider struct {
	session     *Session
	platform    PlatformOps
	http        *http.Client
	geoEndpoint string
	ipEndpoints []string
}

// NewLocationProvider builds a provider honoring the session's
// location-source toggles.
func NewLocationProvider(session *Session, platform PlatformOps, opts LocationProviderOptions) *LocationProvider {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: lookupTimeout}
	}
	geo := strings.TrimSpace(opts.GeoEndpoint)
	if geo == "" {
		geo = "http://ip-api.com/json/"
	}
	ipEndpoints := opts.IPEndpoints
	if len(ipEndpoints) == 0 {
		ipEndpoints = []string{"https://api.ipify.org", "https://ifconfig.me/ip"}
	}
	return &LocationProvider{
		session:     session,
		platform:    platform,
		http:        httpClient,
		geoEndpoint: geo,
		ipEndpoints: ipEndpoints,
	}
}

// Collect returns the best available sample: IP-derived coordinates
// with Wi-Fi metadata merged in. When the IP lookup fails the sample
// still carries whatever Wi-Fi facts were found.
func (p *LocationProvider) Collect(ctx context.Context) LocationSample {
	sample := LocationSample{Source: SourceUnknown}

	if p.session == nil || p.session.EnableWiFiLocation {
		if ssid, bssid, err := p.wifiInfo(ctx); err == nil {
			sample.WiFiSSID = ssid
			sample.WiFiBSSID = bssid
			if bssid != "" {
				sample.Source = SourceWiFi
			}
		} else {
			log.Debug().Err(err).Msg("wifi info lookup failed")
		}
	}

	if p.session != nil && !p.session.EnableIPLocation {
		return sample
	}

	lat, lon, ip, ok := p.geolocate(ctx)
	if !ok {
		if sample.IPAddress = p.publicIP(ctx); sample.IPAddress == "" {
			log.Debug().Msg("public ip lookup failed")
		}
		return sample
	}
	accuracy := ipAccuracyMeters
	sample.Latitude = &lat
	sample.Longitude = &lon
	sample.AccuracyMeters = &accuracy
	sample.IPAddress = ip
	if sample.IPAddress == "" {
		sample.IPAddress = p.publicIP(ctx)
	}
	if sample.WiFiBSSID != "" {
		sample.Source = SourceIPWiFi
	} else {
		sample.Source = SourceIP
	}
	return sample
}

func (p *LocationProvider) wifiInfo(ctx context.Context) (string, string, error) {
	if p.platform == nil {
		return "", "", nil
	}
	opCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	return p.platform.WiFiInfo(opCtx)
}

type geoResponse struct {
	Status string  `json:"status"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Query  string  `json:"query"`
}

func (p *LocationProvider) geolocate(ctx context.Context) (lat, lon float64, ip string, ok bool) {
	body, err := p.fetch(ctx, p.geoEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("ip geolocation failed")
		return 0, 0, "", false
	}
	var resp geoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Warn().Err(err).Msg("decode ip geolocation response failed")
		return 0, 0, "", false
	}
	if !strings.EqualFold(resp.Status, "success") {
		log.Warn().Str("status", resp.Status).Msg("ip geolocation rejected")
		return 0, 0, "", false
	}
	return resp.Lat, resp.Lon, strings.TrimSpace(resp.Query), true
}

func (p *LocationProvider) publicIP(ctx context.Context) string {
	for _, endpoint := range p.ipEndpoints {
		body, err := p.fetch(ctx, endpoint)
		if err != nil {
			log.Debug().Err(err).Str("endpoint", endpoint).Msg("public ip lookup failed")
			continue
		}
		if ip := strings.TrimSpace(string(body)); ip != "" {
			return ip
		}
	}
	return ""
}

func (p *LocationProvider) fetch(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errStatus(resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<16))
}

type errStatus int

func (e errStatus) Error() string { return fmt.Sprintf("unexpected status %d", int(e)) }
