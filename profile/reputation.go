package profile

import "math"

// Reputation deltas applied by order transitions.
const (
	CompletionReward    uint32 = 10
	CancellationPenalty uint32 = 5
)

// AddReputation raises a score, saturating at the top of the counter's range
// instead of wrapping.
func AddReputation(score, points uint32) uint32 {
	if score > math.MaxUint32-points {
		return math.MaxUint32
	}
	return score + points
}

// SubtractReputation lowers a score, saturating at zero.
func SubtractReputation(score, points uint32) uint32 {
	if points > score {
		return 0
	}
	return score - points
}

// Level maps a reputation score to a display band. The bands are fixed and
// monotonic; no operation gates eligibility on them.
func Level(score uint32) uint8 {
	switch {
	case score <= 50:
		return 1
	case score <= 100:
		return 2
	case score <= 200:
		return 3
	case score <= 500:
		return 4
	default:
		return 5
	}
}

// CompletionRate returns completed/total in basis points, zero when the
// participant has no trades yet.
func CompletionRate(completed, total int64) int64 {
	if total <= 0 {
		return 0
	}
	return completed * 10000 / total
}
