package matching

import (
	"testing"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b model.GeoPoint
		want float64
	}{
		{name: "same point", a: model.GeoPoint{Lat: 41.0, Lon: 29.0}, b: model.GeoPoint{Lat: 41.0, Lon: 29.0}, want: 0},
		{name: "one degree of longitude on the equator", a: model.GeoPoint{Lat: 0, Lon: 0}, b: model.GeoPoint{Lat: 0, Lon: 1}, want: 111.19},
		{name: "one degree of latitude", a: model.GeoPoint{Lat: 10, Lon: 20}, b: model.GeoPoint{Lat: 11, Lon: 20}, want: 111.19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Distance(tt.a, tt.b); got != tt.want {
				t.Errorf("Distance() = %v, want %v", got, tt.want)
			}
			if got := Distance(tt.b, tt.a); got != tt.want {
				t.Errorf("Distance() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProximityPointsForDistance(t *testing.T) {
	tests := []struct {
		km   float64
		want float64
	}{
		{0, 40},
		{1.5, 40},
		{2, 40},
		{2.01, 35},
		{5, 35},
		{7, 25},
		{10, 25},
		{15, 15},
		{20, 15},
		{35, 5},
		{50, 5},
		{50.01, 0},
		{60, 0},
	}

	prev := 41.0
	for _, tt := range tests {
		got := proximityPointsForDistance(tt.km)
		if got != tt.want {
			t.Errorf("proximityPointsForDistance(%v) = %v, want %v", tt.km, got, tt.want)
		}
		if got > prev {
			t.Errorf("points increased from %v to %v at %v km", prev, got, tt.km)
		}
		prev = got
	}
}

func TestExperiencePoints(t *testing.T) {
	tests := []struct {
		jobs int
		want float64
	}{
		{0, 0}, {4, 0}, {5, 3}, {9, 3}, {10, 5}, {19, 5}, {20, 7}, {49, 7}, {50, 10}, {500, 10},
	}
	for _, tt := range tests {
		if got := experiencePoints(tt.jobs); got != tt.want {
			t.Errorf("experiencePoints(%d) = %v, want %v", tt.jobs, got, tt.want)
		}
	}
}

func TestScore(t *testing.T) {
	here := &model.GeoPoint{Lat: 41.0082, Lon: 28.9784}

	tests := []struct {
		name     string
		request  model.Request
		provider model.Provider
		jobs     int
		want     float64
	}{
		{
			name:    "perfect match",
			request: model.Request{Category: "plumbing", Location: here},
			provider: model.Provider{
				Categories: []string{"plumbing"}, Location: here,
				Rating: 5, Availability: model.AvailabilityAvailable,
			},
			jobs: 50,
			want: 100,
		},
		{
			name:    "wrong category scores zero despite perfect fit",
			request: model.Request{Category: "C1", Location: here},
			provider: model.Provider{
				Categories: []string{"C2"}, Location: here,
				Rating: 5, Availability: model.AvailabilityAvailable,
			},
			jobs: 100,
			want: 0,
		},
		{
			name:    "no coordinates gives no proximity credit",
			request: model.Request{Category: "cleaning"},
			provider: model.Provider{
				Categories: []string{"cleaning", "moving"}, Location: here,
				Rating: 3, Availability: model.AvailabilityBusy,
			},
			jobs: 12,
			want: 31, // 21 rating + 5 busy + 5 experience
		},
		{
			name:     "unrated unavailable newcomer in category",
			request:  model.Request{Category: "cleaning", Location: here},
			provider: model.Provider{Categories: []string{"cleaning"}, Availability: model.AvailabilityUnavailable},
			want:     0,
		},
		{
			name:    "fractional rating is rounded to two decimals",
			request: model.Request{Category: "moving"},
			provider: model.Provider{
				Categories: []string{"moving"}, Rating: 4.33,
				Availability: model.AvailabilityAvailable,
			},
			want: 45.31, // 30.31 + 15
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.request, tt.provider, tt.jobs)
			if got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
			for i := 0; i < 3; i++ {
				if again := Score(tt.request, tt.provider, tt.jobs); again != got {
					t.Fatalf("Score() not deterministic: %v then %v", got, again)
				}
			}
		})
	}
}

func TestDisplayScore(t *testing.T) {
	if got := DisplayScore(45.31); got != 45 {
		t.Errorf("DisplayScore(45.31) = %d, want 45", got)
	}
	if got := DisplayScore(45.5); got != 46 {
		t.Errorf("DisplayScore(45.5) = %d, want 46", got)
	}
}
