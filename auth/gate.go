package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/tollgate-labs/tollgate/l402"
	"github.com/tollgate-labs/tollgate/pricing"
	"github.com/tollgate-labs/tollgate/trust"
	"github.com/tollgate-labs/tollgate/wallet"
)

const (
	// DefaultInvoiceTTL is how long a minted challenge stays valid.
	DefaultInvoiceTTL = 600 * time.Second

	// DefaultTrustTimeout is the hard deadline on the best-effort trust
	// lookup during challenge minting.
	DefaultTrustTimeout = 3 * time.Second

	// DefaultDescription prefixes the invoice memo when the route does not
	// configure one.
	DefaultDescription = "Tollgate admission"
)

// Admission outcomes reported to the observer.
const (
	OutcomePaid        = "paid"
	OutcomeFree        = "free"
	OutcomeFailOpen    = "failopen"
	OutcomeDenied      = "denied"
	OutcomeRateLimited = "ratelimited"
)

var (
	// errInvalidFormat is the catch-all deny reason for an Authorization
	// value that does not parse as an L402 credential.
	errInvalidFormat = errors.New(
		"Invalid L402 format, expected 'L402 <macaroon>:<preimage>'",
	)

	// errPreimageMismatch is the deny reason for a preimage that does not
	// hash to the macaroon's payment hash.
	errPreimageMismatch = errors.New(
		"Preimage does not match payment hash",
	)

	// errInvoiceUnsettled is the deny reason in strict mode when the
	// backend has not recorded the invoice as settled.
	errInvoiceUnsettled = errors.New("Invoice not settled")
)

// Observer receives gate outcome notifications. The root package wires it to
// prometheus counters; a nil observer disables reporting.
type Observer interface {
	// ChallengeIssued is called once per 402 challenge emitted.
	ChallengeIssued()

	// Admission is called once per request that reached a downstream
	// decision, with one of the Outcome constants.
	Admission(outcome string)
}

// GateConfig bundles everything one admission gate needs. Secret, Wallet and
// Engine are required, everything else has a default.
type GateConfig struct {
	// Secret is the macaroon HMAC root secret.
	Secret string

	// Wallet mints and looks up invoices.
	Wallet wallet.Wallet

	// Engine quotes and commits prices.
	Engine *pricing.Engine

	// Trust resolves agent scores, optional.
	Trust trust.Resolver

	// AgentFrom extracts the agent identifier. Defaults to the X-Agent-Id
	// header.
	AgentFrom Extractor

	// ContextFrom extracts the pricing context. Defaults to none, which
	// yields the "default" context.
	ContextFrom Extractor

	// Description prefixes the invoice memo, the context identifier is
	// appended per challenge.
	Description string

	// InvoiceTTL is the expires_at offset of minted macaroons.
	InvoiceTTL time.Duration

	// TrustTimeout bounds the trust lookup during minting.
	TrustTimeout time.Duration

	// StrictVerify additionally requires the backend to report the invoice
	// settled on retry. Backend errors still fail open.
	StrictVerify bool

	// Limiter rate limits challenge minting per agent, optional.
	Limiter *ChallengeLimiter

	// Observer receives outcome notifications, optional.
	Observer Observer

	// Clock is the time source, swappable for tests.
	Clock clock.Clock
}

// Gate is the L402 admission middleware. Requests without a credential get a
// 402 challenge priced by the engine, requests with a valid credential are
// committed and passed through.
type Gate struct {
	cfg GateConfig
}

// NewGate validates the config and creates the middleware. Construction
// failures are meant to be fatal at startup.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("gate requires a secret")
	}
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("gate requires a wallet backend")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("gate requires a pricing engine")
	}
	if cfg.AgentFrom == nil {
		cfg.AgentFrom = DefaultAgentExtractor()
	}
	if cfg.Description == "" {
		cfg.Description = DefaultDescription
	}
	if cfg.InvoiceTTL == 0 {
		cfg.InvoiceTTL = DefaultInvoiceTTL
	}
	if cfg.TrustTimeout == 0 {
		cfg.TrustTimeout = DefaultTrustTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	return &Gate{cfg: cfg}, nil
}

// Middleware wraps a downstream handler with the admission state machine.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get(l402.HeaderAuthorization)
		if strings.HasPrefix(strings.ToLower(auth), "l402 ") {
			g.retry(w, r, next)
			return
		}

		g.challenge(w, r, next)
	})
}

// retry handles a request presenting an L402 credential: parse, verify the
// preimage against the macaroon's payment hash, verify the macaroon against
// the request, then commit the action and run the downstream handler.
func (g *Gate) retry(w http.ResponseWriter, r *http.Request,
	next http.Handler) {

	mac, preimage, err := l402.FromHeader(&r.Header)
	if err != nil {
		if !errors.Is(err, l402.ErrInvalidEncoding) {
			err = errInvalidFormat
		}
		g.deny(w, err)
		return
	}

	paymentHash, err := mac.PaymentHash()
	if err != nil {
		g.deny(w, l402.ErrInvalidEncoding)
		return
	}
	if !wallet.VerifyPreimage(preimage, paymentHash) {
		g.deny(w, errPreimageMismatch)
		return
	}

	agentID := g.extractAgent(r)
	contextID := g.extractContext(r)
	err = l402.Verify(g.cfg.Secret, mac, &l402.VerifyContext{
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		ContextID: contextID,
		AgentID:   agentID,
		Now:       g.cfg.Clock.Now,
	})
	if err != nil {
		g.deny(w, err)
		return
	}

	if g.cfg.StrictVerify {
		settled, err := g.lookupSettled(r.Context(), paymentHash)
		switch {
		case err != nil:
			// The credential itself already verified, a backend
			// outage must not lock out a paying client.
			log.Errorf("Settlement check for %v failed, passing "+
				"through: %v", paymentHash, err)
			g.observeAdmission(OutcomeFailOpen)
			ctx := l402.AddToContext(
				r.Context(), l402.KeyTollError, err,
			)
			next.ServeHTTP(w, r.WithContext(ctx))
			return

		case !settled:
			g.deny(w, errInvoiceUnsettled)
			return
		}
	}

	// The quote was computed with dryRun at challenge time, the activity
	// record lands only now that the credential checked out.
	g.cfg.Engine.Commit(agentID, contextID, nil)

	log.Debugf("Admitted %v in context %v after payment of %v", agentID,
		contextID, paymentHash)
	g.observeAdmission(OutcomePaid)

	ctx := l402.AddToContext(r.Context(), l402.KeyTollPaid, true)
	ctx = l402.AddToContext(ctx, l402.KeyAgentID, agentID)
	ctx = l402.AddToContext(ctx, l402.KeyContextID, contextID)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// challenge handles a request without a credential: quote the price and
// either wave the request through for free or mint an invoice plus macaroon
// and answer 402.
func (g *Gate) challenge(w http.ResponseWriter, r *http.Request,
	next http.Handler) {

	agentID := g.extractAgent(r)
	contextID := g.extractContext(r)

	if g.cfg.Limiter != nil && !g.cfg.Limiter.Allow(agentID) {
		delay := g.cfg.Limiter.RetryDelay(agentID)
		seconds := int(math.Ceil(delay.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))

		log.Debugf("Rate limited challenge for %v", agentID)
		g.observeAdmission(OutcomeRateLimited)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "Too many challenge requests",
		})
		return
	}

	trustScore := g.lookupScore(r.Context(), agentID)
	quote := g.cfg.Engine.Quote(agentID, contextID, trustScore)

	if quote.Sats == 0 {
		log.Debugf("Free pass for %v in context %v", agentID,
			contextID)
		g.observeAdmission(OutcomeFree)

		ctx := l402.AddToContext(r.Context(), l402.KeyTollFree, true)
		ctx = l402.AddToContext(ctx, l402.KeyAgentID, agentID)
		ctx = l402.AddToContext(ctx, l402.KeyContextID, contextID)
		next.ServeHTTP(w, r.WithContext(ctx))
		return
	}

	description := fmt.Sprintf("%s: %s", g.cfg.Description, contextID)
	invoice, err := g.cfg.Wallet.CreateInvoice(
		r.Context(), quote.Sats, description,
	)
	if err != nil {
		g.failOpen(w, r, next, fmt.Errorf("unable to mint invoice: "+
			"%w", err))
		return
	}

	expiry := g.cfg.Clock.Now().Add(g.cfg.InvoiceTTL).Unix()
	mac := l402.NewMacaroon(
		g.cfg.Secret, invoice.PaymentHash,
		l402.NewCaveat(l402.CondExpiresAt, fmt.Sprintf("%d", expiry)),
		l402.NewCaveat(l402.CondEndpoint, r.URL.Path),
		l402.NewCaveat(l402.CondMethod, r.Method),
		l402.NewCaveat(l402.CondContext, contextID),
		l402.NewCaveat(l402.CondAgent, agentID),
	)
	macToken, err := mac.EncodeToString()
	if err != nil {
		g.failOpen(w, r, next, fmt.Errorf("unable to encode "+
			"macaroon: %w", err))
		return
	}

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		"L402 invoice=%q, macaroon=%q", invoice.PaymentRequest,
		macToken,
	))

	log.Debugf("Challenging %v in context %v with %d sats, payment hash "+
		"%v", agentID, contextID, quote.Sats, invoice.PaymentHash)
	if g.cfg.Observer != nil {
		g.cfg.Observer.ChallengeIssued()
	}

	writeJSON(w, http.StatusPaymentRequired, &challengeBody{
		Status:      http.StatusPaymentRequired,
		Message:     "Payment Required",
		Protocol:    "L402",
		PaymentHash: invoice.PaymentHash.String(),
		Invoice:     invoice.PaymentRequest,
		Macaroon:    macToken,
		AmountSats:  quote.Sats,
		ContextID:   contextID,
		Description: description,
		Pricing:     quote.Breakdown,
		Instructions: instructions{
			Step1: "Pay the invoice to obtain the payment " +
				"preimage",
			Step2: "Retry the request with the header " +
				"'Authorization: L402 <macaroon>:<preimage>'",
			Step3: "The macaroon is bound to this endpoint, " +
				"method, agent and context",
		},
	})
}

// lookupScore races the trust resolver against the configured deadline. Any
// error, timeout or unknown answer degrades to no score at all, the resolver
// is best-effort by contract.
func (g *Gate) lookupScore(ctx context.Context, agentID string) *int {
	if g.cfg.Trust == nil {
		return nil
	}

	ctxt, cancel := context.WithTimeout(ctx, g.cfg.TrustTimeout)
	defer cancel()

	type answer struct {
		score int
		known bool
		err   error
	}

	// Buffered so an abandoned lookup can deliver and exit.
	answers := make(chan answer, 1)
	go func() {
		score, known, err := g.cfg.Trust.Score(ctxt, agentID)
		answers <- answer{score: score, known: known, err: err}
	}()

	select {
	case a := <-answers:
		if a.err != nil {
			log.Debugf("Trust lookup for %v failed, treating as "+
				"unknown: %v", agentID, a.err)
			return nil
		}
		if !a.known {
			return nil
		}
		return &a.score

	case <-ctxt.Done():
		log.Debugf("Trust lookup for %v timed out", agentID)
		return nil
	}
}

// lookupSettled asks the backend whether the invoice settled.
func (g *Gate) lookupSettled(ctx context.Context,
	hash lntypes.Hash) (bool, error) {

	invoice, err := g.cfg.Wallet.LookupInvoice(ctx, hash)
	if err != nil {
		return false, err
	}
	return invoice.Settled, nil
}

// failOpen runs the downstream handler without tolling after an internal
// error. A wallet outage locking every request out would be strictly worse
// than temporarily ungated passage.
func (g *Gate) failOpen(w http.ResponseWriter, r *http.Request,
	next http.Handler, err error) {

	log.Errorf("Failing open: %v", err)
	g.observeAdmission(OutcomeFailOpen)

	ctx := l402.AddToContext(r.Context(), l402.KeyTollError, err)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// deny answers 401 with the standard error body.
func (g *Gate) deny(w http.ResponseWriter, reason error) {
	log.Debugf("Deny: %v", reason)
	g.observeAdmission(OutcomeDenied)

	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":  "Invalid L402 credentials",
		"detail": denyDetail(reason),
	})
}

// denyDetail maps a verification failure onto its wire level reason string.
func denyDetail(reason error) string {
	var mismatch *l402.MismatchError
	switch {
	case errors.Is(reason, l402.ErrInvalidEncoding):
		return "Invalid macaroon encoding"

	case errors.Is(reason, l402.ErrInvalidSignature):
		return "Invalid signature"

	case errors.Is(reason, l402.ErrMacaroonExpired):
		return "Macaroon expired"

	case errors.As(reason, &mismatch):
		// "endpoint mismatch: expected /x" with the field name
		// capitalized for the wire.
		text := reason.Error()
		return strings.ToUpper(text[:1]) + text[1:]

	default:
		return reason.Error()
	}
}

// extractAgent runs the configured extractor with the anonymous fallback.
func (g *Gate) extractAgent(r *http.Request) string {
	if agentID := g.cfg.AgentFrom(r); agentID != "" {
		return agentID
	}
	return DefaultAgentID
}

// extractContext runs the configured extractor with the default fallback.
func (g *Gate) extractContext(r *http.Request) string {
	if g.cfg.ContextFrom != nil {
		if contextID := g.cfg.ContextFrom(r); contextID != "" {
			return contextID
		}
	}
	return DefaultContextID
}

func (g *Gate) observeAdmission(outcome string) {
	if g.cfg.Observer != nil {
		g.cfg.Observer.Admission(outcome)
	}
}

// challengeBody is the JSON body of a 402 response.
type challengeBody struct {
	Status       int               `json:"status"`
	Message      string            `json:"message"`
	Protocol     string            `json:"protocol"`
	PaymentHash  string            `json:"paymentHash"`
	Invoice      string            `json:"invoice"`
	Macaroon     string            `json:"macaroon"`
	AmountSats   int64             `json:"amountSats"`
	ContextID    string            `json:"contextId"`
	Description  string            `json:"description"`
	Pricing      pricing.Breakdown `json:"pricing"`
	Instructions instructions      `json:"instructions"`
}

// instructions walks a human through completing the challenge.
type instructions struct {
	Step1 string `json:"step1"`
	Step2 string `json:"step2"`
	Step3 string `json:"step3"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Unable to write response body: %v", err)
	}
}
