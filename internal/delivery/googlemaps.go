package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"googlemaps.github.io/maps"
)

// distanceMatrixAPI is the subset of *maps.Client used here.
type distanceMatrixAPI interface {
	DistanceMatrix(ctx context.Context, r *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error)
}

// GoogleMapsGeocoder resolves driving distances with the Distance Matrix API.
type GoogleMapsGeocoder struct {
	api    distanceMatrixAPI
	origin string
}

// NewGoogleMapsGeocoder creates a geocoder for apiKey. An empty origin selects DefaultOrigin.
func NewGoogleMapsGeocoder(apiKey, origin string) (*GoogleMapsGeocoder, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	if origin == "" {
		origin = DefaultOrigin
	}
	return &GoogleMapsGeocoder{api: c, origin: origin}, nil
}

// DistanceKm implements Geocoder.
func (g *GoogleMapsGeocoder) DistanceKm(ctx context.Context, destination string) (float64, error) {
	resp, err := g.api.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{g.origin},
		Destinations: []string{destination},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsMetric,
	})
	if err != nil {
		return 0, fmt.Errorf("distance matrix request failed: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnresolvable, destination)
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		slog.Debug("GoogleMapsGeocoder.DistanceKm: element not resolved", "destination", destination, "status", el.Status)
		return 0, fmt.Errorf("%w: %s (%s)", ErrUnresolvable, destination, el.Status)
	}
	return roundKm(el.Distance.Meters), nil
}

// CachedGeocoder memoizes successful lookups and collapses concurrent
// lookups for the same destination. Failures are never cached.
type CachedGeocoder struct {
	next  Geocoder
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]float64
}

// NewCachedGeocoder wraps next.
func NewCachedGeocoder(next Geocoder) *CachedGeocoder {
	return &CachedGeocoder{next: next, cache: make(map[string]float64)}
}

// DistanceKm implements Geocoder.
func (c *CachedGeocoder) DistanceKm(ctx context.Context, destination string) (float64, error) {
	key := strings.ToLower(strings.TrimSpace(destination))
	c.mu.RLock()
	km, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return km, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		km, err := c.next.DistanceKm(ctx, destination)
		if err != nil {
			return 0.0, err
		}
		c.mu.Lock()
		c.cache[key] = km
		c.mu.Unlock()
		return km, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// Len returns the number of cached destinations.
func (c *CachedGeocoder) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
