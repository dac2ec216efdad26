package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ChallengeLimit defines a per-agent token bucket on challenge minting.
// Every 402 challenge creates an invoice on the backend, so an unauthenticated
// client must not be able to force unbounded minting.
// Example YAML:
//
//	challengelimit:
//	  requests: 10
//	  per: 1m
//	  burst: 10
//
// If burst is 0, it defaults to requests.
// If per is 0, it defaults to 1s.
// Note: All limits are in-memory and per-process.
type ChallengeLimit struct {
	Requests int           `long:"requests" description:"Number of challenges allowed per agent per time window" yaml:"requests"`
	Per      time.Duration `long:"per" description:"Size of the time window (e.g., 1s, 1m)" yaml:"per"`
	Burst    int           `long:"burst" description:"Burst size allowed in addition to steady rate" yaml:"burst"`
}

// ChallengeLimiter tracks one token bucket per agent identifier.
type ChallengeLimiter struct {
	// protects the limiters map.
	sync.Mutex

	limit rate.Limit
	burst int

	limiters map[string]*rate.Limiter
}

// NewChallengeLimiter compiles the limit into a per-agent limiter.
func NewChallengeLimiter(cfg ChallengeLimit) *ChallengeLimiter {
	per := cfg.Per
	if per == 0 {
		per = time.Second
	}
	requests := cfg.Requests
	if requests <= 0 {
		requests = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = requests
	}

	// rate.Every(per/requests) creates an average rate of requests
	// per 'per'.
	return &ChallengeLimiter{
		limit:    rate.Every(per / time.Duration(requests)),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow returns true if the agent may be issued a challenge now.
func (c *ChallengeLimiter) Allow(agentID string) bool {
	return c.getOrCreate(agentID).Allow()
}

// RetryDelay returns the suggested wait until the agent's bucket permits the
// next challenge, without consuming a token. Callers use it to set
// Retry-After.
func (c *ChallengeLimiter) RetryDelay(agentID string) time.Duration {
	res := c.getOrCreate(agentID).Reserve()
	if !res.OK() {
		return 0
	}

	delay := res.Delay()
	res.CancelAt(time.Now())

	return delay
}

func (c *ChallengeLimiter) getOrCreate(agentID string) *rate.Limiter {
	c.Lock()
	defer c.Unlock()

	if l, ok := c.limiters[agentID]; ok {
		return l
	}

	l := rate.NewLimiter(c.limit, c.burst)
	c.limiters[agentID] = l

	return l
}
