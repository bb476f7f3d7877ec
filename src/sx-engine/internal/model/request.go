package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type RequestStatus string

const (
	RequestStatusPending     RequestStatus = "pending"
	RequestStatusOpenForBids RequestStatus = "open_for_bids"
	RequestStatusAnalyzing   RequestStatus = "analyzing"
	RequestStatusMatched     RequestStatus = "matched"
	RequestStatusAssigned    RequestStatus = "assigned"
	RequestStatusInProgress  RequestStatus = "in_progress"
	RequestStatusCompleted   RequestStatus = "completed"
	RequestStatusCancelled   RequestStatus = "cancelled"
)

// IsAssigned reports whether a provider has already won the request.
func (s RequestStatus) IsAssigned() bool {
	switch s {
	case RequestStatusAssigned, RequestStatusInProgress, RequestStatusCompleted:
		return true
	}
	return false
}

// IsUnassigned reports whether the request still accepts offers (bids or broadcast jobs).
func (s RequestStatus) IsUnassigned() bool {
	switch s {
	case RequestStatusPending, RequestStatusOpenForBids, RequestStatusAnalyzing, RequestStatusMatched:
		return true
	}
	return false
}

// GeoPoint is a WGS84 coordinate in decimal degrees.
type GeoPoint struct {
	Lat float64 `json:"lat" bson:"lat" firestore:"lat"`
	Lon float64 `json:"lon" bson:"lon" firestore:"lon"`
}

// Request is a customer's posted need for service work. It is the root of
// the bid and job subtree for that need.
type Request struct {
	ID          string        `json:"request_id" bson:"_id" firestore:"request_id"`
	CustomerID  string        `json:"customer_id" bson:"customer_id" firestore:"customer_id"`
	Category    string        `json:"category" bson:"category" firestore:"category"`
	Title       string        `json:"title" bson:"title" firestore:"title"`
	Description string        `json:"description" bson:"description" firestore:"description"`
	Address     string        `json:"address,omitempty" bson:"address,omitempty" firestore:"address,omitempty"`
	Location    *GeoPoint     `json:"location,omitempty" bson:"location,omitempty" firestore:"location,omitempty"`
	Budget      string        `json:"budget,omitempty" bson:"budget,omitempty" firestore:"budget,omitempty"` // Decimal as string, empty when unset
	Status      RequestStatus `json:"status" bson:"status" firestore:"status"`

	// Version is bumped by every committed unit of work on the request.
	Version int64 `json:"version" bson:"version" firestore:"version"`

	CreatedAt time.Time `json:"created_at" bson:"created_at" firestore:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
}

// BudgetAmount returns the budget, or zero when none was given.
func (r Request) BudgetAmount() decimal.Decimal {
	return parseMoney(r.Budget)
}
