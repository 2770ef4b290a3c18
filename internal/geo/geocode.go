package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"printlegion/internal/domain"
	"printlegion/internal/metrics"
)

const (
	defaultGeocoderBaseURL = "https://nominatim.openstreetmap.org"
	geocodeCacheTTL        = 24 * time.Hour
)

// Geocoder resolves free-text locations and coordinate pairs against a
// Nominatim-compatible service. Cache is optional; a nil client disables
// caching.
type Geocoder struct {
	BaseURL string
	HTTP    *http.Client
	Cache   *redis.Client
}

// NewGeocoder builds a geocoder with sane defaults.
func NewGeocoder(baseURL string, cache *redis.Client) *Geocoder {
	if baseURL == "" {
		baseURL = defaultGeocoderBaseURL
	}
	return &Geocoder{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Cache:   cache,
	}
}

// NewCache parses redisURL and verifies connectivity. An empty URL yields a
// nil client (caching disabled).
func NewCache(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL(%q): %w", redisURL, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Search performs a forward geocode of a free-text query.
func (g *Geocoder) Search(ctx context.Context, query string) ([]domain.GeocodeResult, error) {
	cacheKey := "geocode:search:" + query
	if cached, ok := g.cacheGet(ctx, cacheKey); ok {
		var results []domain.GeocodeResult
		if err := json.Unmarshal(cached, &results); err == nil {
			return results, nil
		}
	}
	u := fmt.Sprintf("%s/search?format=json&q=%s", g.BaseURL, url.QueryEscape(query))
	body, err := g.get(ctx, u)
	if err != nil {
		metrics.GeocodeRequests.WithLabelValues("search", "error").Inc()
		return nil, err
	}
	metrics.GeocodeRequests.WithLabelValues("search", "ok").Inc()
	var results []domain.GeocodeResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	g.cacheSet(ctx, cacheKey, body)
	return results, nil
}

// Reverse resolves coordinates back to a place name.
func (g *Geocoder) Reverse(ctx context.Context, p Point) (domain.GeocodeResult, error) {
	cacheKey := "geocode:reverse:" + p.String()
	if cached, ok := g.cacheGet(ctx, cacheKey); ok {
		var result domain.GeocodeResult
		if err := json.Unmarshal(cached, &result); err == nil {
			return result, nil
		}
	}
	u := fmt.Sprintf("%s/reverse.php?lat=%f&lon=%f&zoom=12&format=jsonv2", g.BaseURL, p.Lat, p.Lon)
	body, err := g.get(ctx, u)
	if err != nil {
		metrics.GeocodeRequests.WithLabelValues("reverse", "error").Inc()
		return domain.GeocodeResult{}, err
	}
	metrics.GeocodeRequests.WithLabelValues("reverse", "ok").Inc()
	var result domain.GeocodeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.GeocodeResult{}, fmt.Errorf("decode geocode response: %w", err)
	}
	g.cacheSet(ctx, cacheKey, body)
	return result, nil
}

// Locate geocodes a free-text location and returns the best hit, falling back
// to fallbackName when the service returns no display name.
func (g *Geocoder) Locate(ctx context.Context, location, fallbackName string) (domain.GeocodeResult, error) {
	results, err := g.Search(ctx, location)
	if err != nil {
		return domain.GeocodeResult{}, err
	}
	if len(results) == 0 {
		return domain.GeocodeResult{}, fmt.Errorf("location not found: %s", location)
	}
	item := results[0]
	if fallbackName != "" && item.Name == "" {
		item.Name = fallbackName
	}
	return item, nil
}

func (g *Geocoder) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Language", "en-US")
	resp, err := g.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocoding request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoding failed: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (g *Geocoder) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if g.Cache == nil {
		return nil, false
	}
	data, err := g.Cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (g *Geocoder) cacheSet(ctx context.Context, key string, data []byte) {
	if g.Cache == nil {
		return
	}
	_ = g.Cache.Set(ctx, key, data, geocodeCacheTTL).Err()
}
