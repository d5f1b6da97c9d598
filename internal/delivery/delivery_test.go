package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"googlemaps.github.io/maps"
)

type stubGeocoder struct {
	km    map[string]float64
	err   error
	calls int32
	delay time.Duration
}

func (s *stubGeocoder) DistanceKm(ctx context.Context, destination string) (float64, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return 0, s.err
	}
	km, ok := s.km[destination]
	if !ok {
		return 0, ErrUnresolvable
	}
	return km, nil
}

func TestFee(t *testing.T) {
	tests := []struct {
		km   float64
		want float64
	}{
		{0, 0},
		{10, 0},
		{10.1, 3},
		{20, 3},
		{20.5, 7},
		{40, 7},
		{40.1, 15},
		{120, 15},
	}
	for _, tt := range tests {
		if got := Fee(tt.km); got != tt.want {
			t.Errorf("Fee(%v) = %v, want %v", tt.km, got, tt.want)
		}
	}
}

func TestCalculator_Quote(t *testing.T) {
	geo := &stubGeocoder{km: map[string]float64{"Borrowdale": 12.4, "Chitungwiza": 28, "Avondale": 1.2}}
	calc := NewCalculator(geo)
	ctx := context.Background()

	q, err := calc.Quote(ctx, "Borrowdale", 12)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.DeliveryCharge != "$3.00" || q.DistanceKm != 12.4 || q.Note != "" {
		t.Errorf("unexpected quote %+v", q)
	}

	q, _ = calc.Quote(ctx, "Avondale", 15)
	if q.DeliveryCharge != "$0.00" {
		t.Errorf("expected free delivery, got %s", q.DeliveryCharge)
	}

	q, err = calc.Quote(ctx, "Chitungwiza", 5)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.Note != "Free delivery only applies to orders 10kg and above." || q.DeliveryCharge != "Varies — confirm with store" {
		t.Errorf("expected light order note, got %+v", q)
	}

	if _, err := calc.Quote(ctx, "Atlantis", 12); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("expected ErrUnresolvable, got %v", err)
	}
	if _, err := calc.Quote(ctx, "  ", 12); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("expected ErrUnresolvable for blank destination, got %v", err)
	}
	if _, err := calc.Quote(ctx, "Borrowdale", 0); err == nil {
		t.Error("expected error for zero weight")
	}
}

func TestExtractLocation(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"Do you deliver to Borrowdale?", "Borrowdale", true},
		{"delivery to Mabelreign please", "Mabelreign please", true},
		{"what is the delivery fee for Glen Lorne", "Glen Lorne", true},
		{"How much to deliver to Ruwa?", "Ruwa", true},
		{"I want 5kg of beef", "", false},
		{"deliver to ?", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractLocation(tt.text)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ExtractLocation(%q) = %q,%v want %q,%v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseWeight(t *testing.T) {
	tests := map[string]float64{
		"5kg":      5,
		"12.5 kg":  12.5,
		"about 20": 20,
		"a lot":    1,
		"":         1,
	}
	for in, want := range tests {
		if got := ParseWeight(in); got != want {
			t.Errorf("ParseWeight(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLatestTargets(t *testing.T) {
	l := NewLatestTargets()
	if _, ok := l.Get("a"); ok {
		t.Fatal("expected no target")
	}
	l.Remember("a", Target{Location: "Ruwa", WeightKg: 5})
	l.Remember("a", Target{Location: "Borrowdale", WeightKg: 12})
	got, ok := l.Get("a")
	if !ok || got.Location != "Borrowdale" || got.WeightKg != 12 {
		t.Errorf("unexpected target %+v", got)
	}
}

func TestCachedGeocoder_CachesSuccessOnly(t *testing.T) {
	stub := &stubGeocoder{km: map[string]float64{"Ruwa": 22}}
	c := NewCachedGeocoder(stub)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		km, err := c.DistanceKm(ctx, "Ruwa")
		if err != nil || km != 22 {
			t.Fatalf("unexpected result %v %v", km, err)
		}
	}
	if stub.calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", stub.calls)
	}
	if _, err := c.DistanceKm(ctx, " ruwa "); err != nil || stub.calls != 1 {
		t.Errorf("expected normalized key to hit cache, calls=%d err=%v", stub.calls, err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.DistanceKm(ctx, "Atlantis"); !errors.Is(err, ErrUnresolvable) {
			t.Fatalf("expected ErrUnresolvable, got %v", err)
		}
	}
	if stub.calls != 3 {
		t.Errorf("failures must not be cached, calls=%d", stub.calls)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 cached destination, got %d", c.Len())
	}
}

func TestCachedGeocoder_CollapsesConcurrentLookups(t *testing.T) {
	stub := &stubGeocoder{km: map[string]float64{"Ruwa": 22}, delay: 50 * time.Millisecond}
	c := NewCachedGeocoder(stub)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.DistanceKm(context.Background(), "Ruwa")
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&stub.calls); n != 1 {
		t.Errorf("expected concurrent lookups to share one call, got %d", n)
	}
}

type fakeMatrix struct {
	resp *maps.DistanceMatrixResponse
	err  error
	req  *maps.DistanceMatrixRequest
}

func (f *fakeMatrix) DistanceMatrix(ctx context.Context, r *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error) {
	f.req = r
	return f.resp, f.err
}

func matrixResponse(status string, meters int) *maps.DistanceMatrixResponse {
	return &maps.DistanceMatrixResponse{
		Rows: []maps.DistanceMatrixElementsRow{{
			Elements: []*maps.DistanceMatrixElement{{Status: status, Distance: maps.Distance{Meters: meters}}},
		}},
	}
}

func TestGoogleMapsGeocoder(t *testing.T) {
	fake := &fakeMatrix{resp: matrixResponse("OK", 12449)}
	g := &GoogleMapsGeocoder{api: fake, origin: DefaultOrigin}

	km, err := g.DistanceKm(context.Background(), "Borrowdale")
	if err != nil {
		t.Fatalf("DistanceKm failed: %v", err)
	}
	if km != 12.4 {
		t.Errorf("expected 12.4km, got %v", km)
	}
	if fake.req.Origins[0] != DefaultOrigin || fake.req.Destinations[0] != "Borrowdale" {
		t.Errorf("unexpected request %+v", fake.req)
	}

	fake.resp = matrixResponse("NOT_FOUND", 0)
	if _, err := g.DistanceKm(context.Background(), "Atlantis"); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("expected ErrUnresolvable, got %v", err)
	}

	fake.resp = &maps.DistanceMatrixResponse{}
	if _, err := g.DistanceKm(context.Background(), "Nowhere"); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("expected ErrUnresolvable for empty rows, got %v", err)
	}

	fake.err = errors.New("quota exceeded")
	_, err = g.DistanceKm(context.Background(), "Borrowdale")
	if err == nil || errors.Is(err, ErrUnresolvable) {
		t.Errorf("expected transport error distinct from ErrUnresolvable, got %v", err)
	}
}
