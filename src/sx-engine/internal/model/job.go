package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAccepted  JobStatus = "accepted"
	JobStatusDeclined  JobStatus = "declined"
	JobStatusStarted   JobStatus = "started"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:  {JobStatusAccepted, JobStatusDeclined, JobStatusCancelled},
	JobStatusAccepted: {JobStatusStarted, JobStatusCompleted, JobStatusCancelled},
	JobStatusStarted:  {JobStatusCompleted, JobStatusCancelled},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return len(jobTransitions[s]) == 0
}

// IsActive reports whether the job still counts toward the request's assignment.
func (s JobStatus) IsActive() bool {
	return s != JobStatusCancelled && s != JobStatusDeclined
}

// Job links one request to one provider.
type Job struct {
	ID         string    `json:"job_id" bson:"_id" firestore:"job_id"`
	RequestID  string    `json:"request_id" bson:"request_id" firestore:"request_id"`
	ProviderID string    `json:"provider_id" bson:"provider_id" firestore:"provider_id"`
	BidID      string    `json:"bid_id,omitempty" bson:"bid_id,omitempty" firestore:"bid_id,omitempty"`
	Status     JobStatus `json:"status" bson:"status" firestore:"status"`

	StartTime *time.Time `json:"start_time,omitempty" bson:"start_time,omitempty" firestore:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty" bson:"end_time,omitempty" firestore:"end_time,omitempty"`

	// Snapshot taken at completion; ProviderEarnings is immutable once non-zero.
	Amount           string `json:"amount,omitempty" bson:"amount,omitempty" firestore:"amount,omitempty"`    // Decimal as string
	CommissionRate   string `json:"commission_rate" bson:"commission_rate" firestore:"commission_rate"`       // Decimal as string
	ProviderEarnings string `json:"provider_earnings" bson:"provider_earnings" firestore:"provider_earnings"` // Decimal as string

	CreatedAt time.Time `json:"created_at" bson:"created_at" firestore:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
}

// BilledAmount returns the amount recorded at completion, zero when unset.
func (j Job) BilledAmount() decimal.Decimal {
	return parseMoney(j.Amount)
}

// EarningsAmount returns the recorded payout, zero when not yet computed.
func (j Job) EarningsAmount() decimal.Decimal {
	return parseMoney(j.ProviderEarnings)
}

func parseMoney(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
