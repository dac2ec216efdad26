package l402

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrInvalidEncoding is returned when a token cannot be decoded into a
	// macaroon.
	ErrInvalidEncoding = errors.New("invalid macaroon encoding")

	// ErrInvalidSignature is returned when a macaroon's signature does not
	// match the recomputed HMAC chain.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrMacaroonExpired is returned when the expires_at caveat lies in
	// the past.
	ErrMacaroonExpired = errors.New("macaroon expired")

	// hexSecretRegex matches a secret that should be interpreted as a hex
	// encoded 32 byte key instead of raw UTF-8 bytes.
	hexSecretRegex = regexp.MustCompile("^[0-9a-f]{64}$")
)

// MismatchError is returned when a request-binding caveat does not match the
// request the macaroon was presented on.
type MismatchError struct {
	// Field is the caveat condition that failed, e.g. "endpoint".
	Field string

	// Expected is the value the caveat requires.
	Expected string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s", e.Field, e.Expected)
}

// Macaroon is a keyed-MAC credential bound to a Lightning payment hash. Its
// integrity is a chained HMAC-SHA256 over the identifier and the ordered
// caveat strings, so any reordering or mutation invalidates the signature.
type Macaroon struct {
	// ID is the hex encoded payment hash of the invoice the macaroon was
	// minted for.
	ID string `json:"id"`

	// Caveats is the ordered list of encoded caveat strings. The order is
	// part of the signature.
	Caveats []string `json:"caveats"`

	// Signature is the hex encoded final HMAC of the chain.
	Signature string `json:"signature"`
}

// NewMacaroon mints a macaroon for the given payment hash, restricted by the
// given caveats in the given order.
func NewMacaroon(secret string, paymentHash lntypes.Hash,
	caveats ...Caveat) *Macaroon {

	encoded := make([]string, 0, len(caveats))
	for _, c := range caveats {
		encoded = append(encoded, EncodeCaveat(c))
	}

	id := paymentHash.String()
	return &Macaroon{
		ID:        id,
		Caveats:   encoded,
		Signature: chainedSignature(secret, id, encoded),
	}
}

// PaymentHash parses the macaroon's identifier as a payment hash.
func (m *Macaroon) PaymentHash() (lntypes.Hash, error) {
	return lntypes.MakeHashFromStr(m.ID)
}

// EncodeToString serializes the macaroon to its opaque wire form, canonical
// JSON wrapped in standard Base64.
func (m *Macaroon) EncodeToString() (string, error) {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeString parses the opaque wire form of a macaroon. Any parse failure
// is reported as ErrInvalidEncoding, the content of a foreign token is not
// worth distinguishing further.
func DecodeString(token string) (*Macaroon, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	mac := &Macaroon{}
	if err := json.Unmarshal(jsonBytes, mac); err != nil {
		return nil, ErrInvalidEncoding
	}
	if mac.ID == "" || mac.Signature == "" {
		return nil, ErrInvalidEncoding
	}
	return mac, nil
}

// VerifyContext carries the request attributes the macaroon's caveats are
// checked against.
type VerifyContext struct {
	// Endpoint is the path of the request being authorized.
	Endpoint string

	// Method is the HTTP verb of the request being authorized.
	Method string

	// ContextID is the pricing context extracted from the request.
	ContextID string

	// AgentID is the agent identifier extracted from the request.
	AgentID string

	// Now returns the current time for expiry checks. Defaults to
	// time.Now if nil.
	Now func() time.Time
}

// Verify checks the macaroon's signature chain and all recognized caveats
// against the given request context. Unknown caveat conditions are ignored
// so that previously minted macaroons survive the introduction of new
// conditions.
func Verify(secret string, mac *Macaroon, verifyCtx *VerifyContext) error {
	// The signature covers the identifier and the exact caveat sequence,
	// so it has to be checked before any caveat is interpreted.
	expected := chainedSignature(secret, mac.ID, mac.Caveats)
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return ErrInvalidSignature
	}
	gotBytes, err := hex.DecodeString(mac.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(expectedBytes, gotBytes) {
		return ErrInvalidSignature
	}

	now := verifyCtx.Now
	if now == nil {
		now = time.Now
	}

	for _, rawCaveat := range mac.Caveats {
		caveat, err := DecodeCaveat(rawCaveat)
		if err != nil {
			// The signature already proved the string untouched,
			// a condition we cannot parse is treated like an
			// unknown one.
			continue
		}

		switch caveat.Condition {
		case CondExpiresAt:
			expiry, err := strconv.ParseInt(caveat.Value, 10, 64)
			if err != nil {
				return ErrMacaroonExpired
			}
			if now().Unix() > expiry {
				return ErrMacaroonExpired
			}

		case CondEndpoint:
			if verifyCtx.Endpoint != caveat.Value {
				return &MismatchError{
					Field:    CondEndpoint,
					Expected: caveat.Value,
				}
			}

		case CondMethod:
			if !strings.EqualFold(verifyCtx.Method, caveat.Value) {
				return &MismatchError{
					Field:    CondMethod,
					Expected: caveat.Value,
				}
			}

		case CondContext:
			if verifyCtx.ContextID != caveat.Value {
				return &MismatchError{
					Field:    CondContext,
					Expected: caveat.Value,
				}
			}

		case CondAgent:
			if verifyCtx.AgentID != caveat.Value {
				return &MismatchError{
					Field:    CondAgent,
					Expected: caveat.Value,
				}
			}

		default:
			// Unknown conditions are ignored, including the
			// reserved max_actions.
		}
	}

	return nil
}

// chainedSignature computes the macaroon HMAC chain. The first link is keyed
// by the root key and signs the identifier. Every further link is keyed by
// the hex ASCII representation of the previous signature and signs one caveat
// string. Keying by the hex string instead of the raw digest is part of the
// wire contract.
func chainedSignature(secret, id string, caveats []string) string {
	sig := hmacSha256(rootKey(secret), []byte(id))
	for _, caveat := range caveats {
		sig = hmacSha256([]byte(hex.EncodeToString(sig)), []byte(caveat))
	}
	return hex.EncodeToString(sig)
}

// rootKey derives the initial HMAC key from the configured secret. A secret
// that looks like a hex encoded 32 byte key is used as those bytes, anything
// else is used as raw UTF-8.
func rootKey(secret string) []byte {
	if hexSecretRegex.MatchString(secret) {
		key, err := hex.DecodeString(secret)
		if err == nil {
			return key
		}
	}
	return []byte(secret)
}

// hmacSha256 is a small helper for one link of the chain.
func hmacSha256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
