package tollgate

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/tollgate-labs/tollgate/auth"
	"github.com/tollgate-labs/tollgate/pricing"
)

var (
	tollgateDataDir        = btcutil.AppDataDir("tollgate", false)
	defaultConfigFilename  = "tollgate.yaml"
	defaultTLSKeyFilename  = "tls.key"
	defaultTLSCertFilename = "tls.cert"
	defaultLogLevel        = "info"
	defaultLogFilename     = "tollgate.log"
	defaultMaxLogFiles     = 3
	defaultMaxLogFileSize  = 10

	// defaultRelays back the attestation resolver when no trust backend is
	// configured explicitly.
	defaultRelays = []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
	}
)

const (
	// defaultInvoiceTTLSecs is the macaroon lifetime when neither the
	// global config nor the route overrides it.
	defaultInvoiceTTLSecs = 600

	// defaultSweepInterval drives the periodic activity and invoice cache
	// sweeps.
	defaultSweepInterval = time.Hour

	// defaultActivityHorizon is the age beyond which swept records are
	// dropped.
	defaultActivityHorizon = 24 * time.Hour
)

type lndConfig struct {
	// Host is the hostname of the lnd instance backing the wallet.
	Host string `long:"host" description:"Hostname of the lnd instance to connect to" yaml:"host"`

	TLSPath string `long:"tlspath" description:"Path to lnd's TLS certificate" yaml:"tlspath"`

	MacDir string `long:"macdir" description:"Directory containing lnd's macaroons" yaml:"macdir"`

	Network string `long:"network" description:"The network lnd runs on" yaml:"network"`
}

// pricingConfig overlays operator overrides on the pricing defaults. All
// fields are pointers so that a partial pricing section only touches the
// values it names, omitted fields keep their defaults and an explicit
// "enabled: false" is distinguishable from an absent one.
type pricingConfig struct {
	BaseSats *int64 `long:"basesats" description:"Floor price in satoshis for a first action" yaml:"basesats"`

	ProgressiveMultiplier *float64 `long:"progressivemultiplier" description:"Geometric factor per prior action in the same context" yaml:"progressivemultiplier"`

	ProgressiveCapSats *int64 `long:"progressivecap" description:"Ceiling on the progressive price component" yaml:"progressivecap"`

	TrustDiscount *trustDiscountOverrides `long:"trustdiscount" description:"Trust discount overrides" yaml:"trustdiscount"`

	Cooldown *cooldownOverrides `long:"cooldown" description:"Cooldown bonus overrides" yaml:"cooldown"`
}

type trustDiscountOverrides struct {
	Enabled *bool `long:"enabled" description:"Turn the trust discount on or off" yaml:"enabled"`

	FreeAbove *int `long:"freeabove" description:"Score at and above which an action is free" yaml:"freeabove"`

	DiscountAbove *int `long:"discountabove" description:"Score at and above which the partial discount applies" yaml:"discountabove"`

	DiscountPercent *int64 `long:"discountpercent" description:"Partial discount in percent" yaml:"discountpercent"`
}

type cooldownOverrides struct {
	Enabled *bool `long:"enabled" description:"Turn the cooldown bonus on or off" yaml:"enabled"`

	Window *time.Duration `long:"window" description:"Minimum pause since the agent's last action" yaml:"window"`

	BonusPercent *int64 `long:"bonuspercent" description:"Cooldown bonus in percent" yaml:"bonuspercent"`
}

// apply merges the fields that were set over cfg and returns the result.
func (p *pricingConfig) apply(cfg pricing.Config) pricing.Config {
	if p == nil {
		return cfg
	}

	if p.BaseSats != nil {
		cfg.BaseSats = *p.BaseSats
	}
	if p.ProgressiveMultiplier != nil {
		cfg.ProgressiveMultiplier = *p.ProgressiveMultiplier
	}
	if p.ProgressiveCapSats != nil {
		cfg.ProgressiveCapSats = *p.ProgressiveCapSats
	}

	if td := p.TrustDiscount; td != nil {
		if td.Enabled != nil {
			cfg.TrustDiscount.Enabled = *td.Enabled
		}
		if td.FreeAbove != nil {
			cfg.TrustDiscount.FreeAbove = *td.FreeAbove
		}
		if td.DiscountAbove != nil {
			cfg.TrustDiscount.DiscountAbove = *td.DiscountAbove
		}
		if td.DiscountPercent != nil {
			cfg.TrustDiscount.DiscountPercent = *td.DiscountPercent
		}
	}

	if cd := p.Cooldown; cd != nil {
		if cd.Enabled != nil {
			cfg.Cooldown.Enabled = *cd.Enabled
		}
		if cd.Window != nil {
			cfg.Cooldown.Window = *cd.Window
		}
		if cd.BonusPercent != nil {
			cfg.Cooldown.BonusPercent = *cd.BonusPercent
		}
	}

	return cfg
}

type trustConfig struct {
	// Backend selects the resolver: "nostr", "rest", "static" or "none".
	Backend string `long:"backend" description:"Trust resolver backend: nostr, rest, static or none" yaml:"backend"`

	// Relays are the relay URLs for the nostr backend.
	Relays []string `long:"relay" description:"Relay URL for the nostr backend, can be specified multiple times" yaml:"relays"`

	// DomainTag filters attestations to one deployment domain.
	DomainTag string `long:"domaintag" description:"Attestation domain tag to filter on" yaml:"domaintag"`

	// BaseURL is the score service base URL for the rest backend.
	BaseURL string `long:"baseurl" description:"Base URL of the REST score service" yaml:"baseurl"`

	// Scores is the fixed score table for the static backend.
	Scores map[string]int `long:"score" description:"Static agent scores for the static backend" yaml:"scores"`

	// CacheTTL is how long resolved scores are cached.
	CacheTTL time.Duration `long:"cachettl" description:"How long resolved trust scores are cached" yaml:"cachettl"`
}

type config struct {
	// ListenAddr is the listening address that we should use to allow the
	// gate to listen for requests.
	ListenAddr string `long:"listenaddr" description:"The interface we should listen on for client requests." yaml:"listenaddr"`

	// ServerName can be set to a fully qualifying domain name that should
	// be used while creating a certificate through Let's Encrypt.
	ServerName string `long:"servername" description:"Server name (FQDN) to use for the TLS certificate." yaml:"servername"`

	// AutoCert can be set to true if tollgate should try to create a valid
	// certificate through Let's Encrypt using ServerName.
	AutoCert bool `long:"autocert" description:"Automatically create a Let's Encrypt cert using ServerName." yaml:"autocert"`

	// Insecure can be set to disable TLS on incoming connections.
	Insecure bool `long:"insecure" description:"Listen on an insecure connection, disabling TLS for incoming connections." yaml:"insecure"`

	// Secret is the macaroon HMAC root secret. A 64 character lowercase
	// hex string is interpreted as a 32 byte key, anything else as UTF-8.
	Secret string `long:"secret" description:"The macaroon signing secret." yaml:"secret"`

	// InvoiceTTLSecs is the default macaroon lifetime in seconds.
	InvoiceTTLSecs int `long:"invoicettlsecs" description:"Macaroon lifetime in seconds." yaml:"invoicettlsecs"`

	// StrictVerify additionally checks backend settlement on retries.
	StrictVerify bool `long:"strictverify" description:"Require the backend to confirm settlement on retries." yaml:"strictverify"`

	// Lnd configures the hosted wallet backend. Mutually exclusive with
	// DemoWallet.
	Lnd *lndConfig `long:"lnd" description:"Configuration for the lnd wallet backend." yaml:"lnd"`

	// DemoWallet runs an in-memory auto-settling wallet instead of a real
	// backend. For development only, invoices minted by it are not
	// payable.
	DemoWallet bool `long:"demowallet" description:"Use an in-memory auto-settling demo wallet instead of a real backend." yaml:"demowallet"`

	// DemoForum serves the built-in forum as the gated API.
	DemoForum bool `long:"demoforum" description:"Serve the built-in demo forum behind the gate." yaml:"demoforum"`

	// Pricing tunes the quote computation. Values not set here keep
	// their defaults.
	Pricing *pricingConfig `long:"pricing" description:"Pricing engine configuration." yaml:"pricing"`

	// Trust configures the score resolver.
	Trust *trustConfig `long:"trust" description:"Configuration for the trust resolver." yaml:"trust"`

	// ChallengeLimit rate limits challenge minting per agent.
	ChallengeLimit *auth.ChallengeLimit `long:"challengelimit" description:"Per-agent rate limit on challenge minting." yaml:"challengelimit"`

	// Services is the table of gated routes.
	Services []*GatedService `long:"service" description:"Configurations for each gated route." yaml:"services"`

	// Prometheus configures the metrics exporter.
	Prometheus PrometheusConfig `long:"prometheus" description:"Configuration for the prometheus exporter." yaml:"prometheus"`

	// DebugLevel is a string defining the log level for the service either
	// for all subsystems the same or individual level by subsystem.
	DebugLevel string `long:"debuglevel" description:"Debug level for the tollgate application and its subsystems." yaml:"debuglevel"`

	// pricingCfg is the resolved engine configuration, the defaults with
	// the Pricing overrides applied. Populated by validate.
	pricingCfg pricing.Config
}

// validate checks the invariants that have to hold before anything is
// started. Violations are fatal at startup.
func (c *config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("missing listen address for server")
	}
	if c.Secret == "" {
		return fmt.Errorf("missing macaroon secret")
	}

	switch {
	case c.Lnd != nil && c.DemoWallet:
		return fmt.Errorf("both lnd and demowallet configured, pick " +
			"one wallet backend")

	case c.Lnd == nil && !c.DemoWallet:
		return fmt.Errorf("no wallet backend configured")

	case c.Lnd != nil && c.Lnd.Host == "":
		return fmt.Errorf("missing lnd host")
	}

	for _, service := range c.Services {
		if err := service.compile(); err != nil {
			return fmt.Errorf("invalid service %q: %w",
				service.Name, err)
		}
	}

	if c.InvoiceTTLSecs == 0 {
		c.InvoiceTTLSecs = defaultInvoiceTTLSecs
	}
	c.pricingCfg = c.Pricing.apply(pricing.DefaultConfig())
	return nil
}
