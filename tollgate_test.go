package tollgate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tollgate-labs/tollgate/l402"
	"github.com/tollgate-labs/tollgate/pricing"
	"github.com/tollgate-labs/tollgate/wallet"
)

// TestGetConfig asserts YAML parsing and the fatal validation rules.
func TestGetConfig(t *testing.T) {
	t.Parallel()

	writeConfig := func(content string) string {
		path := filepath.Join(t.TempDir(), "tollgate.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	cfg, err := getConfig(writeConfig(`
listenaddr: "localhost:8080"
secret: "config-secret"
demowallet: true
demoforum: true
trust:
  backend: static
  scores:
    alice: 85
`))
	require.NoError(t, err)
	require.Equal(t, "localhost:8080", cfg.ListenAddr)
	require.True(t, cfg.DemoWallet)
	require.Equal(t, 85, cfg.Trust.Scores["alice"])

	// Defaults were applied.
	require.Equal(t, defaultInvoiceTTLSecs, cfg.InvoiceTTLSecs)
	require.Equal(t, pricing.DefaultBaseSats, cfg.pricingCfg.BaseSats)

	// Missing required values and ambiguous backends are fatal.
	_, err = getConfig(writeConfig(`secret: "x"`))
	require.ErrorContains(t, err, "listen address")

	_, err = getConfig(writeConfig(`
listenaddr: "localhost:8080"
demowallet: true
`))
	require.ErrorContains(t, err, "secret")

	_, err = getConfig(writeConfig(`
listenaddr: "localhost:8080"
secret: "x"
`))
	require.ErrorContains(t, err, "no wallet backend")

	_, err = getConfig(writeConfig(`
listenaddr: "localhost:8080"
secret: "x"
demowallet: true
lnd:
  host: "localhost:10009"
`))
	require.ErrorContains(t, err, "pick one wallet backend")

	_, err = getConfig(writeConfig(`
listenaddr: "localhost:8080"
secret: "x"
demowallet: true
services:
  - name: broken
    path: /x
    agentfrom: "cookie:session"
`))
	require.ErrorContains(t, err, "unknown extractor source")
}

// TestPartialPricingConfig asserts that a partial pricing section only
// overrides the values it names and that an explicit disable is honored.
func TestPartialPricingConfig(t *testing.T) {
	t.Parallel()

	resolve := func(content string) pricing.Config {
		path := filepath.Join(t.TempDir(), "tollgate.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		cfg, err := getConfig(path)
		require.NoError(t, err)
		return cfg.pricingCfg
	}

	// No pricing section at all yields the full defaults.
	pricingCfg := resolve(`
listenaddr: "localhost:8080"
secret: "x"
demowallet: true
`)
	require.Equal(t, pricing.DefaultConfig(), pricingCfg)

	// Overriding the base price leaves both modifiers enabled with their
	// default thresholds.
	pricingCfg = resolve(`
listenaddr: "localhost:8080"
secret: "x"
demowallet: true
pricing:
  basesats: 5
`)
	require.EqualValues(t, 5, pricingCfg.BaseSats)
	require.True(t, pricingCfg.TrustDiscount.Enabled)
	require.Equal(t, pricing.DefaultFreeAbove, pricingCfg.TrustDiscount.FreeAbove)
	require.True(t, pricingCfg.Cooldown.Enabled)
	require.Equal(t, pricing.DefaultCooldownWindow, pricingCfg.Cooldown.Window)

	// Explicitly disabling one modifier keeps everything else defaulted.
	pricingCfg = resolve(`
listenaddr: "localhost:8080"
secret: "x"
demowallet: true
pricing:
  trustdiscount:
    enabled: false
`)
	require.Equal(t, pricing.DefaultBaseSats, pricingCfg.BaseSats)
	require.False(t, pricingCfg.TrustDiscount.Enabled)
	require.True(t, pricingCfg.Cooldown.Enabled)

	// A nested partial override keeps the sibling fields of its section.
	pricingCfg = resolve(`
listenaddr: "localhost:8080"
secret: "x"
demowallet: true
pricing:
  cooldown:
    bonuspercent: 10
`)
	require.EqualValues(t, 10, pricingCfg.Cooldown.BonusPercent)
	require.True(t, pricingCfg.Cooldown.Enabled)
	require.Equal(t, pricing.DefaultCooldownWindow, pricingCfg.Cooldown.Window)
}

// TestGatedForum runs the assembled router end to end: ungated reads, a 402
// on the first write, admission after payment and per-thread contexts.
func TestGatedForum(t *testing.T) {
	t.Parallel()

	cfg := &config{
		ListenAddr: "localhost:8080",
		Secret:     "forum-secret",
		DemoWallet: true,
		DemoForum:  true,
		Trust:      &trustConfig{Backend: "none"},
	}
	require.NoError(t, cfg.validate())

	tollWallet, _, err := createWallet(cfg)
	require.NoError(t, err)
	demoWallet := tollWallet.(*wallet.MockWallet)

	engine := pricing.NewEngine(cfg.pricingCfg)
	router, err := createGatedMux(cfg, tollWallet, engine, nil)
	require.NoError(t, err)

	// Reads pass ungated.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/threads", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// The first write is challenged.
	post := func(path, body string, header http.Header) *httptest.ResponseRecorder {
		r := httptest.NewRequest(
			"POST", path, bytes.NewBufferString(body),
		)
		for key, values := range header {
			r.Header[key] = values
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		return w
	}

	w = post("/threads", `{"title": "hello", "text": "first"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var challenge struct {
		Macaroon   string `json:"macaroon"`
		AmountSats int64  `json:"amountSats"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&challenge))
	require.EqualValues(t, 1, challenge.AmountSats)

	// Pay and retry.
	mac, err := l402.DecodeString(challenge.Macaroon)
	require.NoError(t, err)
	hash, err := mac.PaymentHash()
	require.NoError(t, err)
	preimage, err := demoWallet.Settle(hash)
	require.NoError(t, err)

	header := make(http.Header)
	require.NoError(t, l402.SetHeader(&header, mac, preimage))
	w = post("/threads", `{"title": "hello", "text": "first"}`, header)
	require.Equal(t, http.StatusCreated, w.Code)

	var thread struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&thread))
	require.NotEmpty(t, thread.ID)

	// A reply on the new thread is challenged against the thread context.
	w = post("/threads/"+thread.ID+"/replies", `{"text": "re"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var replyChallenge struct {
		ContextID  string `json:"contextId"`
		AmountSats int64  `json:"amountSats"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&replyChallenge))
	require.Equal(t, thread.ID, replyChallenge.ContextID)
	require.EqualValues(t, 1, replyChallenge.AmountSats)
}

// TestCreateResolver asserts the trust backend selection.
func TestCreateResolver(t *testing.T) {
	t.Parallel()

	require.Nil(t, createResolver(&config{
		Trust: &trustConfig{Backend: "none"},
	}))
	require.Nil(t, createResolver(&config{
		Trust: &trustConfig{Backend: "wat"},
	}))

	resolver := createResolver(&config{
		Trust: &trustConfig{
			Backend: "static",
			Scores:  map[string]int{"alice": 85},
		},
	})
	require.NotNil(t, resolver)
	t.Cleanup(func() {
		require.NoError(t, resolver.Close())
	})
}
