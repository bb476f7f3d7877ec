package events

import "time"

// Envelope wraps every published event.
type Envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SchemaVersion  string         `json:"schema_version"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	Data           map[string]any `json:"data"`
}

// AllEvents registers an endpoint for every event type.
const AllEvents = "*"

// Event type constants
const (
	// Request events
	EventRequestCreated   = "request.created"
	EventRequestOpened    = "request.open_for_bids"
	EventRequestAssigned  = "request.assigned"
	EventRequestCompleted = "request.completed"
	EventRequestCancelled = "request.cancelled"
	EventRequestReopened  = "request.reopened"

	// Bid events
	EventBidSubmitted = "bid.submitted"
	EventBidAccepted  = "bid.accepted"
	EventBidRejected  = "bid.rejected"
	EventBidWithdrawn = "bid.withdrawn"

	// Job events
	EventJobCreated   = "job.created"
	EventJobAccepted  = "job.accepted"
	EventJobDeclined  = "job.declined"
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobCancelled = "job.cancelled"

	// Billing events
	EventInvoiceCreated = "invoice.created"
	EventInvoicePaid    = "invoice.paid"

	// Review events
	EventReviewCreated        = "review.created"
	EventProviderRatingUpdate = "provider.rating_updated"
)

// subjectKeys are checked in order to find the entity an event is about.
var subjectKeys = []string{"review_id", "invoice_id", "job_id", "bid_id", "request_id", "provider_id"}
