package rating

import (
	"github.com/shopspring/decimal"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

// Recompute returns the provider's rating as the mean of reviews, rounded to
// two decimals. Only reviews of provider's jobs count. With no qualifying
// reviews the current rating is returned unchanged and changed is false.
func Recompute(provider model.Provider, reviews []model.Review) (rating float64, changed bool) {
	sum := 0
	n := 0
	for _, r := range reviews {
		if r.ProviderID != provider.ID {
			continue
		}
		sum += r.Rating
		n++
	}
	if n == 0 {
		return provider.Rating, false
	}
	mean, _ := decimal.NewFromInt(int64(sum)).DivRound(decimal.NewFromInt(int64(n)), 2).Float64()
	return mean, true
}
