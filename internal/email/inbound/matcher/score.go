package matcher

import (
	"sort"

	"github.com/medapply/replyrelay/internal/models"
)

// Confidence thresholds.
const (
	HighThreshold   = 80
	MediumThreshold = 50
	MediumMargin    = 20
)

// Score is the summed weight of the signals naming one application.
type Score struct {
	ApplicationID string `json:"application_id"`
	Total         int    `json:"total"`
}

// Aggregate sums signal weights per application and ranks the totals
// highest first. Equal totals keep the order in which the applications
// first appear in signals.
func Aggregate(signals models.MatchSignals) []Score {
	index := make(map[string]int)
	var scores []Score
	for _, s := range signals {
		if s.MatchedApplicationID == "" {
			continue
		}
		i, ok := index[s.MatchedApplicationID]
		if !ok {
			i = len(scores)
			index[s.MatchedApplicationID] = i
			scores = append(scores, Score{ApplicationID: s.MatchedApplicationID})
		}
		scores[i].Total += s.Weight
	}
	sort.SliceStable(scores, func(a, b int) bool {
		return scores[a].Total > scores[b].Total
	})
	return scores
}

// Classify turns the best and runner-up totals into a confidence tier.
func Classify(best, second int) models.MatchConfidence {
	switch {
	case best >= HighThreshold:
		return models.ConfidenceHigh
	case best >= MediumThreshold && best-second >= MediumMargin:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// topTwo returns the best and runner-up totals, zero when absent.
func topTwo(scores []Score) (int, int) {
	var best, second int
	if len(scores) > 0 {
		best = scores[0].Total
	}
	if len(scores) > 1 {
		second = scores[1].Total
	}
	return best, second
}
