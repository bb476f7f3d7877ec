package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

type CreateRequestInput struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Category    string   `json:"category" validate:"required,max=100"`
	Address     string   `json:"address" validate:"max=500"`
	Lat         *float64 `json:"lat" validate:"omitempty,min=-90,max=90"`
	Lon         *float64 `json:"lon" validate:"omitempty,min=-180,max=180"`
	Budget      string   `json:"budget" validate:"omitempty,numeric"`
	// ProviderID selects a provider directly; empty broadcasts to the category.
	ProviderID string `json:"provider_id" validate:"omitempty,max=100"`
}

type BidInput struct {
	Amount            string `json:"amount" validate:"required,numeric"`
	Proposal          string `json:"proposal" validate:"max=5000"`
	EstimatedDuration string `json:"estimated_duration" validate:"max=100"`
}

type ReviewInput struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

type ProviderInput struct {
	Name         string             `json:"name" validate:"required,max=200"`
	Categories   []string           `json:"categories" validate:"required,min=1,dive,required,max=100"`
	Lat          *float64           `json:"lat" validate:"omitempty,min=-90,max=90"`
	Lon          *float64           `json:"lon" validate:"omitempty,min=-180,max=180"`
	Availability model.Availability `json:"availability" validate:"required,oneof=available busy unavailable"`
}

type PaymentInput struct {
	PaymentMethod string `json:"payment_method" validate:"required,max=64"`
}

func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := strings.ToLower(fe.Field()) + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func geoPoint(lat, lon *float64) (*model.GeoPoint, error) {
	switch {
	case lat == nil && lon == nil:
		return nil, nil
	case lat == nil || lon == nil:
		return nil, validationError("lat and lon must be given together")
	}
	return &model.GeoPoint{Lat: *lat, Lon: *lon}, nil
}

// money parses a non-negative amount. positive additionally rejects zero.
func money(field, value string, positive bool) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, validationError("%s is not a number", field)
	}
	if positive && !d.IsPositive() {
		return decimal.Decimal{}, validationError("%s must be positive", field)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, validationError("%s must not be negative", field)
	}
	return d.Round(2), nil
}
