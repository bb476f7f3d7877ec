package matching

import (
	"sort"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

// MaxResults caps the length of a ranking.
const MaxResults = 10

// Candidate is a provider offered for ranking together with its completed-job count.
type Candidate struct {
	Provider      model.Provider
	CompletedJobs int
}

// Match is one ranked provider.
type Match struct {
	Rank       int            `json:"rank"`
	ProviderID string         `json:"provider_id"`
	Score      float64        `json:"score"`
	Display    int            `json:"display_score"`
	DistanceKm *float64       `json:"distance_km,omitempty"`
	Provider   model.Provider `json:"provider"`
}

// Rank scores every candidate against request and returns at most MaxResults
// matches ordered by score descending, then provider id ascending.
// Candidates scoring 0 are not matches and are dropped.
func Rank(request model.Request, candidates []Candidate) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		score := Score(request, c.Provider, c.CompletedJobs)
		if score <= 0 {
			continue
		}
		m := Match{
			ProviderID: c.Provider.ID,
			Score:      score,
			Display:    DisplayScore(score),
			Provider:   c.Provider,
		}
		if request.Location != nil && c.Provider.Location != nil {
			d := Distance(*request.Location, *c.Provider.Location)
			m.DistanceKm = &d
		}
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ProviderID < matches[j].ProviderID
	})

	if len(matches) > MaxResults {
		matches = matches[:MaxResults]
	}
	for i := range matches {
		matches[i].Rank = i + 1
	}
	return matches
}
