package trust

import (
	"context"
)

// StaticResolver serves scores from a fixed in-memory map. Useful for tests
// and for operators with a hand-curated allow list.
type StaticResolver struct {
	scores map[string]int
}

// A compile time flag to ensure the StaticResolver satisfies the Resolver
// interface.
var _ Resolver = (*StaticResolver)(nil)

// NewStaticResolver creates a resolver over the given score map.
func NewStaticResolver(scores map[string]int) *StaticResolver {
	clamped := make(map[string]int, len(scores))
	for agentID, score := range scores {
		clamped[agentID] = clampScore(score)
	}
	return &StaticResolver{scores: clamped}
}

// Score returns the mapped score, unknown if the agent is absent.
//
// NOTE: This is part of the Resolver interface.
func (s *StaticResolver) Score(_ context.Context, agentID string) (int, bool,
	error) {

	score, ok := s.scores[agentID]
	return score, ok, nil
}

// Close is a no-op for the static resolver.
//
// NOTE: This is part of the Resolver interface.
func (s *StaticResolver) Close() error {
	return nil
}
