package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

// UpsertProvider creates or updates the provider profile. Rating and the
// completed-job counter are engine-owned and survive updates.
func (s *Service) UpsertProvider(ctx context.Context, actor model.Actor, providerID string, in ProviderInput) (model.Provider, error) {
	if err := requireActor(actor); err != nil {
		return model.Provider{}, err
	}
	if !isProvider(actor, providerID) && !actor.IsAdmin() {
		return model.Provider{}, fmt.Errorf("%w: profile belongs to another provider", ErrUnauthorized)
	}
	if err := s.check(in); err != nil {
		return model.Provider{}, err
	}
	location, err := geoPoint(in.Lat, in.Lon)
	if err != nil {
		return model.Provider{}, err
	}

	now := s.clock()
	apply := func(p *model.Provider) {
		p.Name = in.Name
		p.Categories = append([]string(nil), in.Categories...)
		p.Location = location
		p.Availability = in.Availability
		p.UpdatedAt = now
	}

	var saved model.Provider
	update := func() error {
		return s.store.UpdateProvider(ctx, providerID, func(p *model.Provider) error {
			apply(p)
			saved = *p
			return nil
		})
	}
	err = update()
	if isNotFound(err) {
		saved = model.Provider{ID: providerID, CreatedAt: now}
		apply(&saved)
		err = s.store.CreateProvider(ctx, saved)
		// A concurrent first upsert created it; apply ours on top.
		if errors.Is(err, store.ErrConflict) {
			err = update()
		}
	}
	if err != nil {
		return model.Provider{}, translate(err)
	}
	slog.InfoContext(ctx, "provider_saved", "provider_id", providerID, "categories", len(saved.Categories))
	return saved, nil
}
