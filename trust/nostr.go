package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultAttestationKind is the replaceable event kind attestations
	// are published under.
	DefaultAttestationKind = 30382

	// DefaultMaxEvents caps how many attestation events are collected
	// per lookup.
	DefaultMaxEvents = 50

	// DefaultAttestationTimeout bounds one relay round trip.
	DefaultAttestationTimeout = 3 * time.Second

	// DefaultHalfLife is the attestation age at which its weight has
	// decayed to one half.
	DefaultHalfLife = 90 * 24 * time.Hour

	// saturationAttesters is the number of unique attesters at which the
	// network factor reaches one.
	saturationAttesters = 5
)

// attestationWeights maps an attestation type to its weight in the quality
// aggregate. Unknown types fall back to the general-trust weight.
var attestationWeights = map[string]float64{
	"service-quality":     1.5,
	"work-completed":      1.2,
	"identity-continuity": 1.0,
	"general-trust":       0.8,
}

const defaultAttestationWeight = 0.8

// AttestationConfig configures the attestation-network resolver.
type AttestationConfig struct {
	// Relays are the relay websocket URLs to query, in order. The first
	// relay that returns any event wins.
	Relays []string

	// Kind is the event kind to subscribe to.
	Kind int

	// DomainTag restricts attestations to those labeled for this domain.
	// Empty accepts any.
	DomainTag string

	// MaxEvents caps the events collected per lookup.
	MaxEvents int

	// Timeout bounds one relay round trip.
	Timeout time.Duration

	// HalfLife is the temporal decay half life.
	HalfLife time.Duration

	// Clock is the time source, swappable for tests.
	Clock clock.Clock
}

// AttestationResolver derives trust scores from attestation events published
// on relays: peers attest to an agent's behavior, attestations are weighted
// by type, decayed by age and scaled by how broad the attester set is.
type AttestationResolver struct {
	cfg AttestationConfig
}

// A compile time flag to ensure the AttestationResolver satisfies the
// Resolver interface.
var _ Resolver = (*AttestationResolver)(nil)

// NewAttestationResolver creates a resolver over the given relays.
func NewAttestationResolver(cfg AttestationConfig) *AttestationResolver {
	if cfg.Kind == 0 {
		cfg.Kind = DefaultAttestationKind
	}
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultAttestationTimeout
	}
	if cfg.HalfLife == 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	return &AttestationResolver{cfg: cfg}
}

// event is the relay wire representation of one attestation.
type event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// tagValue returns the first value of the given tag name, if present.
func (e *event) tagValue(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// Score queries the configured relays for attestations about the agent and
// aggregates them into a score. No events at all means the agent is unknown;
// events that all turn out to be self-attestations score zero.
//
// NOTE: This is part of the Resolver interface.
func (r *AttestationResolver) Score(ctx context.Context, agentID string) (int,
	bool, error) {

	for _, relay := range r.cfg.Relays {
		events, err := r.fetchFromRelay(ctx, relay, agentID)
		if err != nil {
			log.Debugf("Relay %v lookup for %v failed: %v", relay,
				agentID, err)
			continue
		}
		if len(events) == 0 {
			continue
		}

		// Stop after the first relay that returned anything.
		return r.scoreEvents(agentID, events), true, nil
	}

	return 0, false, nil
}

// fetchFromRelay opens one websocket connection, subscribes to attestations
// about the agent and reads until end-of-stored-events, the event limit or
// the timeout, whichever comes first.
func (r *AttestationResolver) fetchFromRelay(ctx context.Context,
	relayURL, agentID string) ([]event, error) {

	ctxt, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(
		ctxt, relayURL, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to dial relay: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	deadline, _ := ctxt.Deadline()
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	subID := fmt.Sprintf("trust-%x", r.cfg.Clock.Now().UnixNano())
	filter := map[string]interface{}{
		"kinds": []int{r.cfg.Kind},
		"#p":    []string{agentID},
		"limit": r.cfg.MaxEvents,
	}
	if err := conn.WriteJSON([]interface{}{"REQ", subID, filter}); err != nil {
		return nil, fmt.Errorf("unable to subscribe: %w", err)
	}

	var events []event
	for len(events) < r.cfg.MaxEvents {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// The deadline or a relay-side close ends the read
			// loop, whatever was collected so far counts.
			break
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(msg, &frame); err != nil ||
			len(frame) == 0 {

			continue
		}
		var frameType string
		if err := json.Unmarshal(frame[0], &frameType); err != nil {
			continue
		}

		switch frameType {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var ev event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				continue
			}
			if r.cfg.DomainTag != "" {
				label, ok := ev.tagValue("l")
				if !ok || label != r.cfg.DomainTag {
					continue
				}
			}
			events = append(events, ev)

		case "EOSE":
			return events, nil
		}
	}

	return events, nil
}

// scoreEvents aggregates attestation events into a 0..100 score: dedup by
// attester keeping the most recent, weight by attestation type, decay by
// age, then scale by how many distinct attesters were seen.
func (r *AttestationResolver) scoreEvents(agentID string, events []event) int {
	// Keep the most recent attestation per attester, ignoring
	// self-attestations.
	latest := make(map[string]event)
	for _, ev := range events {
		if ev.PubKey == agentID {
			continue
		}
		prev, ok := latest[ev.PubKey]
		if !ok || ev.CreatedAt > prev.CreatedAt {
			latest[ev.PubKey] = ev
		}
	}
	if len(latest) == 0 {
		return 0
	}

	now := r.cfg.Clock.Now()
	var weightedSum, weightTotal float64
	for _, ev := range latest {
		weight := defaultAttestationWeight
		if kind, ok := ev.tagValue("t"); ok {
			if w, ok := attestationWeights[kind]; ok {
				weight = w
			}
		}

		age := now.Sub(time.Unix(ev.CreatedAt, 0))
		if age < 0 {
			age = 0
		}
		decay := math.Pow(
			0.5, age.Hours()/r.cfg.HalfLife.Hours(),
		)

		weightedSum += weight * decay
		weightTotal += weight
	}

	quality := weightedSum / weightTotal
	networkFactor := math.Min(
		1, float64(len(latest))/saturationAttesters,
	)

	return clampScore(int(math.Round(networkFactor * quality * 100)))
}

// Close is a no-op, connections are per lookup.
//
// NOTE: This is part of the Resolver interface.
func (r *AttestationResolver) Close() error {
	return nil
}
