package pricing

import (
	"math"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultBaseSats is the floor price in satoshis for a first action.
	DefaultBaseSats int64 = 1

	// DefaultProgressiveMultiplier is the geometric factor applied per
	// prior action in the same context by the same agent.
	DefaultProgressiveMultiplier = 1.5

	// DefaultProgressiveCapSats is the hard ceiling on the progressive
	// price component.
	DefaultProgressiveCapSats int64 = 50

	// DefaultFreeAbove is the trust score at and above which an action is
	// free.
	DefaultFreeAbove = 80

	// DefaultDiscountAbove is the trust score at and above which the
	// partial trust discount applies.
	DefaultDiscountAbove = 30

	// DefaultDiscountPercent is the partial trust discount in percent.
	DefaultDiscountPercent int64 = 50

	// DefaultCooldownWindow is the minimum pause since an agent's last
	// action that earns the cooldown bonus.
	DefaultCooldownWindow = time.Minute

	// DefaultCooldownBonusPercent is the cooldown bonus in percent.
	DefaultCooldownBonusPercent int64 = 25

	// DefaultActivityHorizon is the age beyond which activity records are
	// swept.
	DefaultActivityHorizon = 24 * time.Hour
)

// TrustDiscountConfig tunes the trust modifier of the quote.
type TrustDiscountConfig struct {
	// Enabled turns the trust branch on or off entirely.
	Enabled bool `yaml:"enabled"`

	// FreeAbove is the score at and above which the action is free.
	FreeAbove int `yaml:"freeabove"`

	// DiscountAbove is the score at and above which DiscountPercent is
	// subtracted from the price.
	DiscountAbove int `yaml:"discountabove"`

	// DiscountPercent is the partial discount in percent.
	DiscountPercent int64 `yaml:"discountpercent"`
}

// CooldownConfig tunes the cooldown modifier of the quote.
type CooldownConfig struct {
	// Enabled turns the cooldown branch on or off entirely.
	Enabled bool `yaml:"enabled"`

	// Window is the minimum pause since the agent's last action, across
	// all contexts, that earns the bonus.
	Window time.Duration `yaml:"window"`

	// BonusPercent is the bonus in percent.
	BonusPercent int64 `yaml:"bonuspercent"`
}

// Config bundles all tunables of the pricing engine.
type Config struct {
	// BaseSats is the floor price for a first action.
	BaseSats int64 `yaml:"basesats"`

	// ProgressiveMultiplier is the geometric factor per prior action in
	// the same (agent, context) pair.
	ProgressiveMultiplier float64 `yaml:"progressivemultiplier"`

	// ProgressiveCapSats caps the progressive component.
	ProgressiveCapSats int64 `yaml:"progressivecap"`

	// TrustDiscount configures the trust modifier.
	TrustDiscount TrustDiscountConfig `yaml:"trustdiscount"`

	// Cooldown configures the cooldown modifier.
	Cooldown CooldownConfig `yaml:"cooldown"`

	// Clock is the time source, swappable for tests. Defaults to the
	// system clock.
	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig returns the documented default engine configuration.
func DefaultConfig() Config {
	return Config{
		BaseSats:              DefaultBaseSats,
		ProgressiveMultiplier: DefaultProgressiveMultiplier,
		ProgressiveCapSats:    DefaultProgressiveCapSats,
		TrustDiscount: TrustDiscountConfig{
			Enabled:         true,
			FreeAbove:       DefaultFreeAbove,
			DiscountAbove:   DefaultDiscountAbove,
			DiscountPercent: DefaultDiscountPercent,
		},
		Cooldown: CooldownConfig{
			Enabled:      true,
			Window:       DefaultCooldownWindow,
			BonusPercent: DefaultCooldownBonusPercent,
		},
	}
}

// Breakdown itemizes how a quote was computed. It is embedded verbatim in
// the 402 challenge body.
type Breakdown struct {
	// BaseSats is the configured floor price.
	BaseSats int64 `json:"base"`

	// ProgressiveSats is the progressive component after capping.
	ProgressiveSats int64 `json:"progressive"`

	// PriorActions is the number of committed actions by this agent in
	// this context before the quote.
	PriorActions int `json:"priorActionsInContext"`

	// TrustScore echoes the score the quote was computed with, if any.
	TrustScore *int `json:"trustScore,omitempty"`

	// TrustDiscountSats is the amount subtracted by the trust branch.
	TrustDiscountSats int64 `json:"trustDiscount,omitempty"`

	// CooldownBonusSats is the amount subtracted by the cooldown branch.
	CooldownBonusSats int64 `json:"cooldownBonus,omitempty"`

	// FinalSats is the quoted price.
	FinalSats int64 `json:"final"`
}

// Quote is the result of one pricing computation.
type Quote struct {
	// Sats is the price in satoshis. Zero means the action is free.
	Sats int64

	// Breakdown itemizes the computation.
	Breakdown Breakdown
}

// Stats is a point-in-time summary of the engine's activity state.
type Stats struct {
	// Contexts is the number of context buckets holding activity.
	Contexts int `json:"contexts"`

	// Agents is the number of agents with a recorded last action.
	Agents int `json:"agents"`

	// TotalActions is the number of committed activity records.
	TotalActions int `json:"totalActions"`
}

// activityRecord is one committed action by an agent inside a context
// bucket. Records are appended in commit order.
type activityRecord struct {
	agentID   string
	timestamp time.Time
}

// Engine computes quotes for (agent, context) pairs and keeps the in-memory
// activity state the progressive component is derived from. All state is
// process local and lost on restart, which deliberately resets every
// principal to its first-action price.
type Engine struct {
	cfg Config

	// mtx serializes quote computation and activity commits so that the
	// prior-action count and the append are one critical section.
	mtx sync.Mutex

	// activity maps a context identifier to the committed actions inside
	// it, in commit order.
	activity map[string][]activityRecord

	// lastAction maps an agent to the time of its most recent committed
	// action across all contexts.
	lastAction map[string]time.Time
}

// NewEngine creates a pricing engine with the given configuration. Zero
// values fall back to the documented defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.BaseSats <= 0 {
		cfg.BaseSats = DefaultBaseSats
	}
	if cfg.ProgressiveMultiplier <= 0 {
		cfg.ProgressiveMultiplier = DefaultProgressiveMultiplier
	}
	if cfg.ProgressiveCapSats <= 0 {
		cfg.ProgressiveCapSats = DefaultProgressiveCapSats
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Engine{
		cfg:        cfg,
		activity:   make(map[string][]activityRecord),
		lastAction: make(map[string]time.Time),
	}
}

// Quote computes the current price for the given pair without recording any
// activity. Challenge minting uses this so that unpaid challenges never
// ratchet the price. A nil trustScore means the score is unknown and the
// trust branch is skipped, which is distinct from a score of zero.
func (e *Engine) Quote(agentID, contextID string, trustScore *int) Quote {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.calculate(agentID, contextID, trustScore, false)
}

// Commit computes the price for the given pair and records the action,
// advancing the progressive state for future quotes. Called only after a
// retry's credential fully verified.
func (e *Engine) Commit(agentID, contextID string, trustScore *int) Quote {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.calculate(agentID, contextID, trustScore, true)
}

// calculate runs the deterministic pricing algorithm. The caller must hold
// e.mtx. The evaluation order is progressive, then trust, then cooldown and
// is part of the contract.
func (e *Engine) calculate(agentID, contextID string, trustScore *int,
	commit bool) Quote {

	now := e.cfg.Clock.Now()

	// Count prior committed actions by this agent in this context.
	var prior int
	for _, record := range e.activity[contextID] {
		if record.agentID == agentID {
			prior++
		}
	}

	progressive := e.progressivePrice(prior)

	breakdown := Breakdown{
		BaseSats:        e.cfg.BaseSats,
		ProgressiveSats: progressive,
		PriorActions:    prior,
	}
	price := progressive

	// Trust modifier. A score at or above the free threshold zeroes the
	// price and skips the cooldown entirely.
	trust := e.cfg.TrustDiscount
	free := false
	if trust.Enabled && trustScore != nil {
		score := *trustScore
		breakdown.TrustScore = trustScore

		switch {
		case score >= trust.FreeAbove:
			breakdown.TrustDiscountSats = price
			price = 0
			free = true

		case score >= trust.DiscountAbove:
			discount := price * trust.DiscountPercent / 100
			breakdown.TrustDiscountSats = discount
			price = maxInt64(1, price-discount)
		}
	}

	// Cooldown modifier. Only applies to a still-priced action and only
	// if the agent paused long enough since its last action anywhere, or
	// never acted before.
	cooldown := e.cfg.Cooldown
	if cooldown.Enabled && !free && price > 0 {
		last, acted := e.lastAction[agentID]
		if !acted || now.Sub(last) > cooldown.Window {
			bonus := price * cooldown.BonusPercent / 100
			breakdown.CooldownBonusSats = bonus
			price = maxInt64(1, price-bonus)
		}
	}

	breakdown.FinalSats = price

	if commit {
		e.activity[contextID] = append(
			e.activity[contextID],
			activityRecord{agentID: agentID, timestamp: now},
		)
		e.lastAction[agentID] = now

		log.Debugf("Committed action agent=%v context=%v prior=%v "+
			"sats=%v", agentID, contextID, prior, price)
	}

	return Quote{Sats: price, Breakdown: breakdown}
}

// progressivePrice returns min(ceil(base*mult^prior), cap), saturating
// instead of overflowing for very large counts. A first action is the
// literal base price.
func (e *Engine) progressivePrice(prior int) int64 {
	if prior == 0 {
		return minInt64(e.cfg.BaseSats, e.cfg.ProgressiveCapSats)
	}

	raw := float64(e.cfg.BaseSats) * math.Pow(
		e.cfg.ProgressiveMultiplier, float64(prior),
	)
	if math.IsInf(raw, 1) || math.IsNaN(raw) ||
		raw >= float64(e.cfg.ProgressiveCapSats) {

		return e.cfg.ProgressiveCapSats
	}

	return minInt64(int64(math.Ceil(raw)), e.cfg.ProgressiveCapSats)
}

// ActivityCount returns the number of committed actions by the given agent
// in the given context.
func (e *Engine) ActivityCount(agentID, contextID string) int {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	var count int
	for _, record := range e.activity[contextID] {
		if record.agentID == agentID {
			count++
		}
	}
	return count
}

// Stats returns a summary of the engine's current activity state.
func (e *Engine) Stats() Stats {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	stats := Stats{
		Contexts: len(e.activity),
		Agents:   len(e.lastAction),
	}
	for _, records := range e.activity {
		stats.TotalActions += len(records)
	}
	return stats
}

// Cleanup drops activity records and last-action entries older than the
// given horizon and removes context buckets that became empty. It returns
// the number of records dropped.
func (e *Engine) Cleanup(maxAge time.Duration) int {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	horizon := e.cfg.Clock.Now().Add(-maxAge)
	var dropped int

	for contextID, records := range e.activity {
		kept := records[:0]
		for _, record := range records {
			if record.timestamp.Before(horizon) {
				dropped++
				continue
			}
			kept = append(kept, record)
		}
		if len(kept) == 0 {
			delete(e.activity, contextID)
			continue
		}
		e.activity[contextID] = kept
	}

	for agentID, last := range e.lastAction {
		if last.Before(horizon) {
			delete(e.lastAction, agentID)
		}
	}

	if dropped > 0 {
		log.Debugf("Swept %d activity records older than %v", dropped,
			maxAge)
	}
	return dropped
}

// Reset erases all activity and last-action state. Testing hook.
func (e *Engine) Reset() {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.activity = make(map[string][]activityRecord)
	e.lastAction = make(map[string]time.Time)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
