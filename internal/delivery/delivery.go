// Package delivery computes delivery distance and fee quotes from the shop
// to a customer location.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// DefaultOrigin is the shop address distances are measured from.
const DefaultOrigin = "182 Sam Nujoma, Avondale, Harare"

// MinFreeDeliveryWeightKg is the order weight from which banded fees apply.
const MinFreeDeliveryWeightKg = 10.0

const (
	lightOrderNote   = "Free delivery only applies to orders 10kg and above."
	lightOrderCharge = "Varies — confirm with store"
)

// ErrUnresolvable is returned when the destination cannot be located.
var ErrUnresolvable = errors.New("could not calculate distance")

// Geocoder resolves the road distance in kilometres from the shop to a destination.
type Geocoder interface {
	DistanceKm(ctx context.Context, destination string) (float64, error)
}

// Quote is a delivery fee quotation.
type Quote struct {
	Destination    string  `json:"destination"`
	DistanceKm     float64 `json:"distance_km"`
	WeightKg       float64 `json:"weight_kg"`
	Note           string  `json:"note,omitempty"`
	DeliveryCharge string  `json:"delivery_charge"`
}

// Fee returns the charge for distanceKm, ignoring weight.
// Bands: up to 10km free, up to 20km $3, up to 40km $7, beyond $15.
func Fee(distanceKm float64) float64 {
	switch {
	case distanceKm <= 10:
		return 0
	case distanceKm <= 20:
		return 3.00
	case distanceKm <= 40:
		return 7.00
	default:
		return 15.00
	}
}

// Calculator produces quotes using a Geocoder.
type Calculator struct {
	geo Geocoder
}

// NewCalculator creates a Calculator.
func NewCalculator(geo Geocoder) *Calculator {
	return &Calculator{geo: geo}
}

// Quote computes the delivery quote for destination and weightKg.
// Orders under MinFreeDeliveryWeightKg get a note instead of a banded fee.
func (c *Calculator) Quote(ctx context.Context, destination string, weightKg float64) (Quote, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return Quote{}, fmt.Errorf("%w: empty destination", ErrUnresolvable)
	}
	if weightKg <= 0 {
		return Quote{}, fmt.Errorf("weight must be positive, got %v", weightKg)
	}
	km, err := c.geo.DistanceKm(ctx, destination)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Destination: destination, DistanceKm: km, WeightKg: weightKg}
	if weightKg < MinFreeDeliveryWeightKg {
		q.Note = lightOrderNote
		q.DeliveryCharge = lightOrderCharge
		return q, nil
	}
	q.DeliveryCharge = fmt.Sprintf("$%.2f", Fee(km))
	return q, nil
}

// roundKm rounds metres to kilometres with one decimal.
func roundKm(meters int) float64 {
	return math.Round(float64(meters)/100) / 10
}

var locationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bdeliver(?:y|ies)?\s+(?:to|in|at)\s+(.+)`),
	regexp.MustCompile(`(?i)\bdelivery\s+(?:cost|charge|fee|price)s?\s+(?:to|for|in)\s+(.+)`),
	regexp.MustCompile(`(?i)\bhow\s+much\s+(?:is\s+it\s+)?to\s+(?:deliver|send)\s+to\s+(.+)`),
	regexp.MustCompile(`(?i)\bdo\s+you\s+(?:deliver|come)\s+to\s+(.+)`),
}

// ExtractLocation finds a delivery location question in text, e.g.
// "do you deliver to Borrowdale?" yields "Borrowdale".
func ExtractLocation(text string) (string, bool) {
	for _, re := range locationPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		loc := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[1]), "?!.,"))
		if loc != "" {
			return loc, true
		}
	}
	return "", false
}

var leadingNumber = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseWeight extracts the first number in a free-text quantity such as "5kg".
// It returns 1 when no number is present.
func ParseWeight(quantity string) float64 {
	m := leadingNumber.FindString(quantity)
	if m == "" {
		return 1
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v <= 0 {
		return 1
	}
	return v
}

// Target is the last delivery location and weight a customer gave.
type Target struct {
	Location string
	WeightKg float64
}

// LatestTargets remembers the most recent delivery target per identity.
type LatestTargets struct {
	mu sync.RWMutex
	m  map[string]Target
}

// NewLatestTargets creates an empty LatestTargets.
func NewLatestTargets() *LatestTargets {
	return &LatestTargets{m: make(map[string]Target)}
}

// Remember stores the target for identity.
func (l *LatestTargets) Remember(identity string, t Target) {
	l.mu.Lock()
	l.m[identity] = t
	l.mu.Unlock()
	slog.Debug("LatestTargets.Remember", "identity", identity, "location", t.Location, "weightKg", t.WeightKg)
}

// Get returns the target for identity.
func (l *LatestTargets) Get(identity string) (Target, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.m[identity]
	return t, ok
}
