package model

import "time"

// Availability is the provider's self-declared capacity for new work.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityBusy        Availability = "busy"
	AvailabilityUnavailable Availability = "unavailable"
)

type Provider struct {
	ID           string       `json:"provider_id" bson:"_id" firestore:"provider_id"`
	Name         string       `json:"name" bson:"name" firestore:"name"`
	Categories   []string     `json:"categories" bson:"categories" firestore:"categories"`
	Location     *GeoPoint    `json:"location,omitempty" bson:"location,omitempty" firestore:"location,omitempty"`
	Rating       float64      `json:"rating" bson:"rating" firestore:"rating"`
	Availability Availability `json:"availability" bson:"availability" firestore:"availability"`

	// CompletedJobs is a cache; ranking derives the count from jobs.
	CompletedJobs int `json:"completed_jobs" bson:"completed_jobs" firestore:"completed_jobs"`

	CreatedAt time.Time `json:"created_at" bson:"created_at" firestore:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
}

// ServesCategory reports whether category is one of the provider's categories.
func (p Provider) ServesCategory(category string) bool {
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}
