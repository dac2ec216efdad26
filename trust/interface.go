package trust

import (
	"context"
)

const (
	// MinScore is the lowest trust score.
	MinScore = 0

	// MaxScore is the highest trust score.
	MaxScore = 100
)

// Resolver is the source of trust scores for agents. Implementations may hit
// the network and should honor the caller's context deadline.
type Resolver interface {
	// Score returns the trust score for the given agent in [0, 100]. The
	// boolean is false if the source does not know the agent, which the
	// pricing engine treats as "no score" rather than a score of zero.
	Score(ctx context.Context, agentID string) (int, bool, error)

	// Close releases any resources held by the resolver.
	Close() error
}

// clampScore forces a score into [MinScore, MaxScore]. Sources that report
// out-of-range values are clamped rather than rejected.
func clampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
