// Package region implements the single process-wide Region detection
// described in spec §3 ("Region ... detected once per process, cached").
package region

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// Region is one of the five values spec §3 allows.
type Region string

const (
	China        Region = "china"
	AsiaPacific  Region = "asia_pacific"
	Europe       Region = "europe"
	NorthAmerica Region = "north_america"
	Global       Region = "global"
)

// Valid reports whether r is one of the five recognised regions.
func (r Region) Valid() bool {
	switch r {
	case China, AsiaPacific, Europe, NorthAmerica, Global:
		return true
	default:
		return false
	}
}

// Detector resolves the active Region once per process and caches it.
// It is constructor-injected (per spec §9 "Global state ... must be
// injectable for tests") rather than a package-level singleton.
type Detector struct {
	once     sync.Once
	detected Region
	client   *http.Client
	timeout  time.Duration

	// Override, when set, forces Detect to return this value without a
	// network round-trip. Used for tests and for Options.RegionOverride.
	Override *Region
}

// NewDetector builds a Detector using client for the probe request.
// A nil client is replaced by a new http.Client with a 3s timeout.
func NewDetector(client *http.Client) *Detector {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &Detector{client: client, timeout: 3 * time.Second}
}

// Detect returns the cached Region, probing lazily on first call.
// The probe sends a HEAD to a lightweight well-known endpoint and maps
// the CDN location code in its Cf-Ray-Colo (or X-Amz-Cf-Pop) response
// header to a region as a heuristic; on any failure it falls back to
// Global, which is always a safe default (spec §4.1 rules scoped to
// Global match for every region-agnostic rule).
func (d *Detector) Detect() Region {
	d.once.Do(func() {
		if d.Override != nil && d.Override.Valid() {
			d.detected = *d.Override
			return
		}
		d.detected = d.probe()
	})
	return d.detected
}

func (d *Detector) probe() Region {
	req, err := http.NewRequest(http.MethodHead, "https://www.cloudflare.com/cdn-cgi/trace", nil)
	if err != nil {
		return Global
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Global
	}
	defer resp.Body.Close()

	cc := strings.ToUpper(resp.Header.Get("Cf-Ray-Colo"))
	if cc == "" {
		cc = strings.ToUpper(resp.Header.Get("X-Amz-Cf-Pop"))
	}
	return fromAirportOrCountryCode(cc)
}

var chinaCodes = map[string]bool{"PEK": true, "PVG": true, "CAN": true, "SZX": true, "CN": true}
var apacCodes = map[string]bool{"HKG": true, "NRT": true, "SIN": true, "ICN": true, "TPE": true, "SYD": true, "JP": true, "SG": true, "KR": true, "AU": true, "IN": true, "TW": true, "HK": true}
var euCodes = map[string]bool{"FRA": true, "LHR": true, "CDG": true, "AMS": true, "DE": true, "GB": true, "FR": true, "NL": true, "IE": true}
var naCodes = map[string]bool{"IAD": true, "SJC": true, "ORD": true, "DFW": true, "US": true, "CA": true}

func fromAirportOrCountryCode(code string) Region {
	switch {
	case chinaCodes[code]:
		return China
	case apacCodes[code]:
		return AsiaPacific
	case euCodes[code]:
		return Europe
	case naCodes[code]:
		return NorthAmerica
	default:
		return Global
	}
}
