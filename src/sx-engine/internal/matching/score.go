package matching

import (
	"math"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

const earthRadiusKm = 6371.0

// Maximum points per dimension. They sum to 100.
const (
	maxProximityPoints    = 40
	maxRatingPoints       = 35
	maxAvailabilityPoints = 15
	maxExperiencePoints   = 10
)

type distanceTier struct {
	maxKm  float64
	points float64
}

var distanceTiers = []distanceTier{
	{maxKm: 2, points: maxProximityPoints},
	{maxKm: 5, points: 35},
	{maxKm: 10, points: 25},
	{maxKm: 20, points: 15},
	{maxKm: 50, points: 5},
}

type experienceTier struct {
	minJobs int
	points  float64
}

var experienceTiers = []experienceTier{
	{minJobs: 50, points: maxExperiencePoints},
	{minJobs: 20, points: 7},
	{minJobs: 10, points: 5},
	{minJobs: 5, points: 3},
}

// Distance returns the great-circle distance in kilometres between a and b,
// rounded to two decimals.
func Distance(a, b model.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return round2(earthRadiusKm * c)
}

// Score rates how well provider fits request on a 0..100 scale, rounded to
// two decimals. completedJobs is the provider's count of completed jobs.
// A provider outside the request's category always scores 0.
func Score(request model.Request, provider model.Provider, completedJobs int) float64 {
	if !provider.ServesCategory(request.Category) {
		return 0
	}

	score := proximityPoints(request.Location, provider.Location)
	score += ratingPoints(provider.Rating)
	score += availabilityPoints(provider.Availability)
	score += experiencePoints(completedJobs)
	return round2(score)
}

// DisplayScore rounds a score to the nearest integer.
func DisplayScore(score float64) int {
	return int(math.Round(score))
}

func proximityPoints(a, b *model.GeoPoint) float64 {
	if a == nil || b == nil {
		return 0
	}
	return proximityPointsForDistance(Distance(*a, *b))
}

func proximityPointsForDistance(km float64) float64 {
	for _, tier := range distanceTiers {
		if km <= tier.maxKm {
			return tier.points
		}
	}
	return 0
}

func ratingPoints(rating float64) float64 {
	if math.IsNaN(rating) || rating <= 0 {
		return 0
	}
	if rating > 5 {
		rating = 5
	}
	return (rating / 5.0) * maxRatingPoints
}

func availabilityPoints(a model.Availability) float64 {
	switch a {
	case model.AvailabilityAvailable:
		return maxAvailabilityPoints
	case model.AvailabilityBusy:
		return 5
	default:
		return 0
	}
}

func experiencePoints(completedJobs int) float64 {
	for _, tier := range experienceTiers {
		if completedJobs >= tier.minJobs {
			return tier.points
		}
	}
	return 0
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
