package model

import "time"

// Invoice is created once per completed job.
type Invoice struct {
	ID            string     `json:"invoice_id" bson:"_id" firestore:"invoice_id"`
	JobID         string     `json:"job_id" bson:"job_id" firestore:"job_id"`
	RequestID     string     `json:"request_id" bson:"request_id" firestore:"request_id"`
	Subtotal      string     `json:"subtotal" bson:"subtotal" firestore:"subtotal"` // Decimal as string
	Tax           string     `json:"tax" bson:"tax" firestore:"tax"`
	Discount      string     `json:"discount" bson:"discount" firestore:"discount"`
	Total         string     `json:"total" bson:"total" firestore:"total"`
	Paid          bool       `json:"paid" bson:"paid" firestore:"paid"`
	PaidAt        *time.Time `json:"paid_at,omitempty" bson:"paid_at,omitempty" firestore:"paid_at,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty" bson:"payment_method,omitempty" firestore:"payment_method,omitempty"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at" firestore:"created_at"`
}

// Review is the customer's rating of a completed job.
type Review struct {
	ID         string    `json:"review_id" bson:"_id" firestore:"review_id"`
	JobID      string    `json:"job_id" bson:"job_id" firestore:"job_id"`
	RequestID  string    `json:"request_id" bson:"request_id" firestore:"request_id"`
	ProviderID string    `json:"provider_id" bson:"provider_id" firestore:"provider_id"`
	Rating     int       `json:"rating" bson:"rating" firestore:"rating"`
	Comment    string    `json:"comment,omitempty" bson:"comment,omitempty" firestore:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at" firestore:"created_at"`
}
