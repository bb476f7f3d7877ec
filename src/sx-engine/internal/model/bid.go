package model

import "time"

type BidStatus string

const (
	BidStatusPending   BidStatus = "pending"
	BidStatusAccepted  BidStatus = "accepted"
	BidStatusRejected  BidStatus = "rejected"
	BidStatusWithdrawn BidStatus = "withdrawn"
)

var bidTransitions = map[BidStatus][]BidStatus{
	BidStatusPending: {BidStatusAccepted, BidStatusRejected, BidStatusWithdrawn},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s BidStatus) CanTransitionTo(next BidStatus) bool {
	for _, allowed := range bidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s BidStatus) IsTerminal() bool {
	return len(bidTransitions[s]) == 0
}

// Bid is a provider's proposed price and terms for an open request.
type Bid struct {
	ID                string    `json:"bid_id" bson:"_id" firestore:"bid_id"`
	RequestID         string    `json:"request_id" bson:"request_id" firestore:"request_id"`
	ProviderID        string    `json:"provider_id" bson:"provider_id" firestore:"provider_id"`
	Amount            string    `json:"amount" bson:"amount" firestore:"amount"` // Decimal as string
	Proposal          string    `json:"proposal" bson:"proposal" firestore:"proposal"`
	EstimatedDuration string    `json:"estimated_duration" bson:"estimated_duration" firestore:"estimated_duration"`
	Status            BidStatus `json:"status" bson:"status" firestore:"status"`
	CreatedAt         time.Time `json:"created_at" bson:"created_at" firestore:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
}
