package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/config"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

// EventSink receives completed transitions after they commit.
type EventSink interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// SettingsSource supplies the platform settings in force at call time.
type SettingsSource interface {
	Current() config.Settings
}

// Service is the marketplace engine: request intake, the bid ledger, the job
// allocator, reviews and invoices.
type Service struct {
	store    store.Store
	events   EventSink
	settings SettingsSource
	now      func() time.Time
	validate *validator.Validate
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, events EventSink, settings SettingsSource, opts ...Option) *Service {
	s := &Service{
		store:    st,
		events:   events,
		settings: settings,
		now:      time.Now,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

type event struct {
	eventType string
	data      map[string]any
}

// unit collects the events of one unit of work. They are published only
// after the unit commits.
type unit struct {
	events []event
}

func (u *unit) emit(eventType string, data map[string]any) {
	u.events = append(u.events, event{eventType: eventType, data: data})
}

// updateRequest runs fn as one atomic unit on the request's aggregate.
func (s *Service) updateRequest(ctx context.Context, requestID string, fn func(agg *store.Aggregate, u *unit) error) error {
	var u unit
	err := s.store.UpdateRequest(ctx, requestID, func(agg *store.Aggregate) error {
		u = unit{}
		return fn(agg, &u)
	})
	if err != nil {
		return translate(err)
	}
	s.publish(ctx, u.events)
	return nil
}

func (s *Service) publish(ctx context.Context, events []event) {
	if s.events == nil {
		return
	}
	for _, e := range events {
		if err := s.events.Publish(ctx, e.eventType, e.data); err != nil {
			slog.WarnContext(ctx, "event_publish_failed", "event_type", e.eventType, "error", err)
		}
	}
}

func (s *Service) requestIDOf(ctx context.Context, kind store.Kind, id string) (string, error) {
	requestID, err := s.store.RequestIDOf(ctx, kind, id)
	if err != nil {
		return "", translate(err)
	}
	return requestID, nil
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func requireActor(actor model.Actor) error {
	if actor.ID == "" {
		return ErrUnauthorized
	}
	switch actor.Role {
	case model.RoleCustomer, model.RoleProvider, model.RoleAdmin:
		return nil
	}
	return ErrUnauthorized
}

func ownsRequest(actor model.Actor, req model.Request) bool {
	return actor.Role == model.RoleCustomer && actor.ID == req.CustomerID
}

func isProvider(actor model.Actor, providerID string) bool {
	return actor.Role == model.RoleProvider && actor.ID == providerID
}
