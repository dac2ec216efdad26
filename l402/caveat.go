package l402

import (
	"fmt"
	"strings"
)

const (
	// CondExpiresAt is the condition that carries the macaroon's expiry
	// time as UNIX seconds.
	CondExpiresAt = "expires_at"

	// CondEndpoint is the condition that binds a macaroon to a single
	// request path.
	CondEndpoint = "endpoint"

	// CondMethod is the condition that binds a macaroon to a single HTTP
	// verb.
	CondMethod = "method"

	// CondContext is the condition that binds a macaroon to the pricing
	// context it was quoted for.
	CondContext = "context"

	// CondAgent is the condition that binds a macaroon to the agent it was
	// quoted for.
	CondAgent = "agent"

	// CondMaxActions is reserved for limiting the number of actions a
	// single macaroon may authorize. It is minted but not yet enforced.
	CondMaxActions = "max_actions"
)

// condSeparator is the exact separator between a caveat's condition and its
// value. The single spaces around the equals sign are part of the signed
// byte string and must never change.
const condSeparator = " = "

// Caveat is a predicate that restricts a macaroon's capabilities. All caveats
// must hold for a macaroon to be considered valid.
type Caveat struct {
	// Condition serves as a way to identify a caveat.
	Condition string

	// Value is what the condition should be compared against during
	// verification.
	Value string
}

// NewCaveat constructs a new caveat from the given condition and value.
func NewCaveat(condition, value string) Caveat {
	return Caveat{Condition: condition, Value: value}
}

// String returns a user-friendly view of a caveat. The format returned is
// also the exact byte string that enters the signature chain.
func (c Caveat) String() string {
	return c.Condition + condSeparator + c.Value
}

// EncodeCaveat encodes a caveat into its string representation.
func EncodeCaveat(c Caveat) string {
	return c.String()
}

// DecodeCaveat decodes a caveat from its string representation, splitting on
// the first occurrence of the separator.
func DecodeCaveat(s string) (Caveat, error) {
	condition, value, found := strings.Cut(s, condSeparator)
	if !found || condition == "" {
		return Caveat{}, fmt.Errorf("caveat in invalid format: %q", s)
	}
	return Caveat{Condition: condition, Value: value}, nil
}
