package earnings

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

var ErrInvalidCommission = errors.New("commission percentage must be between 0 and 100")

// Breakdown is the split of a job's amount between platform and provider.
type Breakdown struct {
	Amount           decimal.Decimal
	CommissionRate   decimal.Decimal // percent, as configured at computation time
	CommissionAmount decimal.Decimal
	ProviderEarnings decimal.Decimal
}

// Compute splits amount by commissionPercentage. Money is rounded to cents.
func Compute(amount, commissionPercentage decimal.Decimal) (Breakdown, error) {
	if commissionPercentage.IsNegative() || commissionPercentage.GreaterThan(hundred) {
		return Breakdown{}, ErrInvalidCommission
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	commission := amount.Mul(commissionPercentage).Div(hundred).Round(2)
	return Breakdown{
		Amount:           amount,
		CommissionRate:   commissionPercentage,
		CommissionAmount: commission,
		ProviderEarnings: amount.Sub(commission).Round(2),
	}, nil
}

// ForJob computes the breakdown for a job of request. The amount is the
// request budget, zero when unset.
func ForJob(request model.Request, commissionPercentage decimal.Decimal) (Breakdown, error) {
	return Compute(request.BudgetAmount(), commissionPercentage)
}

// Apply records b on job. It returns false and leaves job untouched when
// earnings were already recorded.
func Apply(job *model.Job, b Breakdown) bool {
	if !job.EarningsAmount().IsZero() {
		return false
	}
	job.Amount = b.Amount.StringFixed(2)
	job.CommissionRate = b.CommissionRate.String()
	job.ProviderEarnings = b.ProviderEarnings.StringFixed(2)
	return true
}

// Summary totals a provider's completed work.
type Summary struct {
	ProviderID      string `json:"provider_id"`
	CompletedJobs   int    `json:"completed_jobs"`
	GrossAmount     string `json:"gross_amount"`
	TotalCommission string `json:"total_commission"`
	TotalEarnings   string `json:"total_earnings"`
	MinPayoutAmount string `json:"min_payout_amount"`
	PayoutEligible  bool   `json:"payout_eligible"`
}

// Summarize totals completed jobs of providerID and checks the payout threshold.
func Summarize(providerID string, jobs []model.Job, minPayout decimal.Decimal) Summary {
	gross := decimal.Zero
	earned := decimal.Zero
	count := 0
	for _, j := range jobs {
		if j.ProviderID != providerID || j.Status != model.JobStatusCompleted {
			continue
		}
		count++
		gross = gross.Add(j.BilledAmount())
		earned = earned.Add(j.EarningsAmount())
	}
	commission := gross.Sub(earned)
	if commission.IsNegative() {
		commission = decimal.Zero
	}
	return Summary{
		ProviderID:      providerID,
		CompletedJobs:   count,
		GrossAmount:     gross.StringFixed(2),
		TotalCommission: commission.StringFixed(2),
		TotalEarnings:   earned.StringFixed(2),
		MinPayoutAmount: minPayout.StringFixed(2),
		PayoutEligible:  count > 0 && earned.GreaterThanOrEqual(minPayout),
	}
}
