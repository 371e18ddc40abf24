// Package geo resolves source IPs to geographic metadata via an external
// HTTP geolocation API, with a persistent cache in storage, a strict
// outbound rate cap, and in-flight request deduplication.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mantis-sec/mantis/internal/models"
	"github.com/mantis-sec/mantis/internal/storage"
)

// DefaultBaseURL is the free ip-api.com JSON endpoint.
const DefaultBaseURL = "http://ip-api.com/json"

// requestFields is the field selection sent to the API.
const requestFields = "status,country,countryCode,regionName,city,lat,lon,isp,org,as"

// privatePrefixes match loopback, RFC 1918, link-local, and ULA ranges.
// These never have public geo data and bypass both cache and network.
var privatePrefixes = []string{
	"127.", "10.", "192.168.",
	"172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.",
	"172.22.", "172.23.", "172.24.", "172.25.", "172.26.", "172.27.",
	"172.28.", "172.29.", "172.30.", "172.31.",
	"0.", "169.254.", "::1", "fc", "fd", "fe80",
}

// Locator is the cached, rate-limited IP geolocation client.
// It is safe for concurrent use.
type Locator struct {
	store   storage.Store
	client  *http.Client
	limiter *rate.Limiter
	flight  singleflight.Group
	baseURL string
	log     *slog.Logger
}

// New returns a Locator backed by store. The outbound rate is capped at 45
// requests per minute (the ip-api.com free-tier limit) with a burst of 45.
func New(store storage.Store, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{
		store:   store,
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(45.0/60.0), 45),
		baseURL: DefaultBaseURL,
		log:     logger,
	}
}

// IsPrivate reports whether ip falls in a private, loopback, or link-local
// range.
func IsPrivate(ip string) bool {
	for _, p := range privatePrefixes {
		if strings.HasPrefix(ip, p) {
			return true
		}
	}
	return false
}

// Lookup resolves ip to a GeoInfo record.
//
// Private IPs short-circuit to a synthetic record. Cache hits return
// immediately. Otherwise one outbound request per IP is in flight at a
// time (concurrent callers share its result), gated by the token bucket.
// Any failure yields a blank record carrying only the IP; blanks are not
// cached so the lookup may be retried later.
func (l *Locator) Lookup(ctx context.Context, ip string) models.GeoInfo {
	if IsPrivate(ip) {
		return models.GeoInfo{IP: ip, Country: "Private", City: "Local Network"}
	}

	if cached, err := l.store.GetGeo(ctx, ip); err == nil && cached != nil {
		return *cached
	}

	v, err, _ := l.flight.Do(ip, func() (any, error) {
		return l.fetch(ctx, ip), nil
	})
	if err != nil {
		return models.GeoInfo{IP: ip}
	}
	return v.(models.GeoInfo)
}

// apiResponse is the wire shape returned by the geolocation endpoint.
type apiResponse struct {
	Status      string  `json:"status"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
}

// fetch performs one rate-limited API call and caches a successful result.
func (l *Locator) fetch(ctx context.Context, ip string) models.GeoInfo {
	blank := models.GeoInfo{IP: ip}

	if err := l.limiter.Wait(ctx); err != nil {
		return blank
	}

	reqURL := fmt.Sprintf("%s/%s?fields=%s", l.baseURL, url.PathEscape(ip), url.QueryEscape(requestFields))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return blank
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.log.Warn("geo lookup failed", "ip", ip, "error", err)
		return blank
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		l.log.Warn("geo response decode failed", "ip", ip, "error", err)
		return blank
	}
	if body.Status != "success" {
		return blank
	}

	geo := models.GeoInfo{
		IP:          ip,
		Country:     orUnknown(body.Country),
		CountryCode: body.CountryCode,
		Region:      body.RegionName,
		City:        body.City,
		Lat:         body.Lat,
		Lon:         body.Lon,
		ISP:         body.ISP,
		Org:         body.Org,
		ASNumber:    body.AS,
		CachedAt:    models.Now(),
	}
	if err := l.store.SaveGeo(ctx, geo); err != nil {
		l.log.Warn("geo cache write failed", "ip", ip, "error", err)
	}
	return geo
}

// SetBaseURL overrides the API endpoint. Intended for tests.
func (l *Locator) SetBaseURL(u string) { l.baseURL = u }

// Close releases the HTTP client's idle connections.
func (l *Locator) Close() {
	l.client.CloseIdleConnections()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
