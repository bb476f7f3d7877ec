package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parlakisik/service-exchange/src/internal/events"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/earnings"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

// MarkInvoicePaid records payment of an invoice. Paying twice returns
// ErrAlreadyProcessed.
func (s *Service) MarkInvoicePaid(ctx context.Context, actor model.Actor, invoiceID string, in PaymentInput) (model.Invoice, error) {
	if err := requireActor(actor); err != nil {
		return model.Invoice{}, err
	}
	if err := s.check(in); err != nil {
		return model.Invoice{}, err
	}
	requestID, err := s.requestIDOf(ctx, store.KindInvoice, invoiceID)
	if err != nil {
		return model.Invoice{}, err
	}

	var inv model.Invoice
	err = s.updateRequest(ctx, requestID, func(agg *store.Aggregate, u *unit) error {
		if !ownsRequest(actor, agg.Request) && !actor.IsAdmin() {
			return fmt.Errorf("%w: only the request owner can pay", ErrUnauthorized)
		}
		i := agg.Invoice(invoiceID)
		if i == nil {
			return fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
		}
		if i.Paid {
			return fmt.Errorf("%w: invoice is already paid", ErrAlreadyProcessed)
		}
		now := s.clock()
		i.Paid = true
		i.PaidAt = &now
		i.PaymentMethod = in.PaymentMethod
		inv = *i
		u.emit(events.EventInvoicePaid, map[string]any{
			"invoice_id":     inv.ID,
			"job_id":         inv.JobID,
			"request_id":     requestID,
			"total":          inv.Total,
			"payment_method": inv.PaymentMethod,
		})
		return nil
	})
	if err != nil {
		return model.Invoice{}, err
	}
	slog.InfoContext(ctx, "invoice_paid", "invoice_id", invoiceID, "total", inv.Total)
	return inv, nil
}

// ProviderEarnings totals the provider's completed work against the payout
// threshold in force now.
func (s *Service) ProviderEarnings(ctx context.Context, actor model.Actor, providerID string) (earnings.Summary, error) {
	if err := requireActor(actor); err != nil {
		return earnings.Summary{}, err
	}
	if !isProvider(actor, providerID) && !actor.IsAdmin() {
		return earnings.Summary{}, fmt.Errorf("%w: earnings belong to another provider", ErrUnauthorized)
	}
	if _, err := s.store.GetProvider(ctx, providerID); err != nil {
		return earnings.Summary{}, translate(err)
	}
	jobs, err := s.store.ListJobsByProvider(ctx, providerID)
	if err != nil {
		return earnings.Summary{}, fmt.Errorf("list jobs: %w", err)
	}
	return earnings.Summarize(providerID, jobs, s.settings.Current().MinPayoutAmount), nil
}
