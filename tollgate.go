package tollgate

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-yaml"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/cert"
	"github.com/tollgate-labs/tollgate/auth"
	"github.com/tollgate-labs/tollgate/pricing"
	"github.com/tollgate-labs/tollgate/trust"
	"github.com/tollgate-labs/tollgate/wallet"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	// selfSignedCertValidity is the certificate validity duration we are
	// using for tollgate certificates. This is higher than lnd's default
	// 14 months and is set to a maximum just below what some operating
	// systems set as a sane maximum certificate duration. See
	// https://support.apple.com/en-us/HT210176 for more information.
	selfSignedCertValidity = time.Hour * 24 * 820

	// selfSignedCertExpiryMargin is how much time before the certificate's
	// expiry date we already refresh it with a new one. We set this to half
	// the certificate validity length to make the chances bigger for it to
	// be refreshed on a routine server restart.
	selfSignedCertExpiryMargin = selfSignedCertValidity / 2
)

var (
	// http2TLSCipherSuites is the list of cipher suites we allow the server
	// to use. This list removes a CBC cipher from the list used in lnd's
	// cert package because the underlying HTTP/2 library treats it as a bad
	// cipher, according to https://tools.ietf.org/html/rfc7540#appendix-A
	// (also see golang.org/x/net/http2/ciphers.go).
	http2TLSCipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	}
)

// Main is the true entrypoint of tollgate.
func Main(configFile string) {
	err := start(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// start sets up the gate server and runs it. This function blocks until a
// shutdown signal is received.
func start(configFile string) error {
	// First, parse configuration file and set up logging.
	if configFile == "" {
		configFile = filepath.Join(
			tollgateDataDir, defaultConfigFilename,
		)
	}
	cfg, err := getConfig(configFile)
	if err != nil {
		return fmt.Errorf("unable to parse config file: %v", err)
	}
	err = setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("unable to set up logging: %v", err)
	}

	// Connect the wallet backend the invoices are minted on.
	tollWallet, invoiceStore, err := createWallet(cfg)
	if err != nil {
		return fmt.Errorf("unable to set up wallet: %v", err)
	}

	// The trust resolver is optional, a nil resolver just skips the trust
	// branch of every quote.
	resolver := createResolver(cfg)

	engine := pricing.NewEngine(cfg.pricingCfg)
	if err := StartPrometheusExporter(
		&cfg.Prometheus, engine, invoiceStore,
	); err != nil {
		return fmt.Errorf("unable to start prometheus: %v", err)
	}

	handler, err := createGatedMux(cfg, tollWallet, engine, resolver)
	if err != nil {
		return err
	}

	httpsServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	// Create TLS configuration by either creating new self-signed certs or
	// trying to obtain one through Let's Encrypt.
	var serveFn func() error
	if cfg.Insecure {
		// Normally, HTTP/2 only works with TLS. But there is a special
		// version called HTTP/2 Cleartext (h2c) that some clients
		// support and that gRPC uses when the grpc.WithInsecure()
		// option is used. The default HTTP handler doesn't support it
		// though so we need to add a special h2c handler here.
		serveFn = httpsServer.ListenAndServe
		httpsServer.Handler = h2c.NewHandler(handler, &http2.Server{})
	} else {
		httpsServer.TLSConfig, err = getTLSConfig(
			cfg.ServerName, cfg.AutoCert,
		)
		if err != nil {
			return err
		}
		serveFn = func() error {
			// The httpsServer.TLSConfig contains certificates at
			// this point so we don't need to pass in certificate
			// and key file names.
			return httpsServer.ListenAndServeTLS("", "")
		}
	}

	// Sweep stale pricing activity and invoice records in the background
	// for as long as the server runs.
	sweepDone := make(chan struct{})
	go runSweeps(engine, invoiceStore, sweepDone)

	// The ListenAndServeTLS below will block until shut down or an error
	// occurs. So we can just defer a cleanup function here that will close
	// everything on shutdown.
	defer cleanup(httpsServer, tollWallet, resolver, sweepDone)

	// Finally start the server.
	log.Infof("Starting the server, listening on %s.", cfg.ListenAddr)

	errChan := make(chan error)
	go func() {
		errChan <- serveFn()
	}()

	return <-errChan
}

// createWallet picks the configured wallet backend. The invoice store is
// returned alongside for metrics and sweeping.
func createWallet(cfg *config) (wallet.Wallet, *wallet.InvoiceStore, error) {
	switch {
	case cfg.Lnd != nil:
		lndWallet, err := wallet.NewLndWallet(
			cfg.Lnd.Host, cfg.Lnd.TLSPath, cfg.Lnd.MacDir,
			cfg.Lnd.Network,
		)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("Minting invoices on lnd at %v", cfg.Lnd.Host)
		return lndWallet, lndWallet.Store(), nil

	case cfg.DemoWallet:
		log.Warnf("Using the in-memory demo wallet, minted invoices " +
			"are NOT payable")
		demoWallet := wallet.NewMockWallet(nil)
		demoWallet.AutoSettle = true
		return demoWallet, demoWallet.Store(), nil

	default:
		// validate() already rejected this.
		return nil, nil, fmt.Errorf("no wallet backend configured")
	}
}

// createResolver picks the configured trust backend, wrapped in the TTL
// cache. Returns nil when trust is disabled.
func createResolver(cfg *config) trust.Resolver {
	trustCfg := cfg.Trust
	if trustCfg == nil {
		trustCfg = &trustConfig{Backend: "nostr"}
	}

	var backend trust.Resolver
	switch trustCfg.Backend {
	case "", "nostr":
		relays := trustCfg.Relays
		if len(relays) == 0 {
			relays = defaultRelays
		}
		backend = trust.NewAttestationResolver(trust.AttestationConfig{
			Relays:    relays,
			DomainTag: trustCfg.DomainTag,
		})
		log.Infof("Resolving trust through attestation relays %v",
			relays)

	case "rest":
		backend = trust.NewRESTResolver(trustCfg.BaseURL)
		log.Infof("Resolving trust through score service at %v",
			trustCfg.BaseURL)

	case "static":
		backend = trust.NewStaticResolver(trustCfg.Scores)
		log.Infof("Resolving trust through a static table of %d "+
			"agents", len(trustCfg.Scores))

	case "none":
		log.Info("Trust resolution disabled")
		return nil

	default:
		log.Warnf("Unknown trust backend %q, disabling trust "+
			"resolution", trustCfg.Backend)
		return nil
	}

	return trust.NewCachingResolver(backend, trustCfg.CacheTTL)
}

// createGatedMux builds the router: every configured service is gated, all
// remaining traffic goes to the downstream handler ungated.
func createGatedMux(cfg *config, tollWallet wallet.Wallet,
	engine *pricing.Engine, resolver trust.Resolver) (*chi.Mux, error) {

	var limiter *auth.ChallengeLimiter
	if cfg.ChallengeLimit != nil {
		limiter = auth.NewChallengeLimiter(*cfg.ChallengeLimit)
	}

	deps := &gateDeps{
		cfg: cfg,
		gateCfg: auth.GateConfig{
			Secret:       cfg.Secret,
			Wallet:       tollWallet,
			Engine:       engine,
			Trust:        resolver,
			StrictVerify: cfg.StrictVerify,
			Limiter:      limiter,
		},
		observer: &metricsObserver{},
	}

	services := cfg.Services
	var downstream http.Handler = http.NotFoundHandler()
	if cfg.DemoForum {
		downstream = newForum(nil)
		if len(services) == 0 {
			services = defaultForumServices()
			for _, service := range services {
				if err := service.compile(); err != nil {
					return nil, err
				}
			}
		}
	}

	router := chi.NewRouter()
	if err := mountServices(router, services, deps, downstream); err != nil {
		return nil, err
	}

	// Everything not matched by a gated route is passed through ungated.
	router.NotFound(downstream.ServeHTTP)
	router.MethodNotAllowed(downstream.ServeHTTP)

	return router, nil
}

// runSweeps periodically drops aged pricing activity and invoice records
// until done is closed.
func runSweeps(engine *pricing.Engine, store *wallet.InvoiceStore,
	done chan struct{}) {

	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			swept := engine.Cleanup(defaultActivityHorizon)
			if store != nil {
				swept += store.Sweep(defaultActivityHorizon)
			}
			if swept > 0 {
				log.Debugf("Swept %d stale records", swept)
			}

		case <-done:
			return
		}
	}
}

// fileExists reports whether the named file or directory exists.
// This function is taken from https://github.com/btcsuite/btcd
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// getConfig loads and parses the configuration file then checks it for valid
// content.
func getConfig(configFile string) (*config, error) {
	cfg := &config{}
	b, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}

	// Then check the configuration that we got from the config file, all
	// required values need to be set at this point.
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging parses the debug level and initializes the log file rotator.
func setupLogging(cfg *config) error {
	if cfg.DebugLevel == "" {
		cfg.DebugLevel = defaultLogLevel
	}

	// Now initialize the logger and set the log level.
	logFile := filepath.Join(tollgateDataDir, defaultLogFilename)
	err := logWriter.InitLogRotator(
		logFile, defaultMaxLogFileSize, defaultMaxLogFiles,
	)
	if err != nil {
		return err
	}
	return build.ParseAndSetDebugLevels(cfg.DebugLevel, logWriter)
}

// getTLSConfig returns a TLS configuration for either a self-signed certificate
// or one obtained through Let's Encrypt.
func getTLSConfig(serverName string, autoCert bool) (*tls.Config, error) {
	// If requested, use the autocert library that will create a new
	// certificate through Let's Encrypt as soon as the first client HTTP
	// request on the server using the TLS config comes in. Unfortunately
	// you cannot tell the library to create a certificate on startup for a
	// specific host.
	if autoCert {
		if serverName == "" {
			return nil, fmt.Errorf("servername option is " +
				"required for secure operation")
		}

		certDir := filepath.Join(tollgateDataDir, "autocert")
		log.Infof("Configuring autocert for server %v with cache dir "+
			"%v", serverName, certDir)

		manager := autocert.Manager{
			Cache:      autocert.DirCache(certDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(serverName),
		}

		go func() {
			err := http.ListenAndServe(
				":http", manager.HTTPHandler(nil),
			)
			if err != nil {
				log.Errorf("autocert http: %v", err)
			}
		}()
		return &tls.Config{
			GetCertificate: manager.GetCertificate,
			CipherSuites:   http2TLSCipherSuites,
			MinVersion:     tls.VersionTLS12,
		}, nil
	}

	// If we're not using autocert, we want to create self-signed TLS certs
	// and save them at the specified location (if they don't already
	// exist).
	tlsKeyFile := filepath.Join(tollgateDataDir, defaultTLSKeyFilename)
	tlsCertFile := filepath.Join(tollgateDataDir, defaultTLSCertFilename)
	if !fileExists(tlsCertFile) && !fileExists(tlsKeyFile) {
		log.Infof("Generating TLS certificates...")
		err := cert.GenCertPair(
			"tollgate autogenerated cert", tlsCertFile,
			tlsKeyFile, nil, nil, selfSignedCertValidity,
		)
		if err != nil {
			return nil, err
		}
		log.Infof("Done generating TLS certificates")
	}

	// Load the certs now so we can inspect it and return a complete TLS
	// config later.
	certData, parsedCert, err := cert.LoadCert(tlsCertFile, tlsKeyFile)
	if err != nil {
		return nil, err
	}

	// The margin is negative, so adding it to the expiry date should give
	// us a date in about the middle of it's validity period.
	expiryWithMargin := parsedCert.NotAfter.Add(
		-1 * selfSignedCertExpiryMargin,
	)

	// If the certificate expired or it was outdated, delete it and the TLS
	// key and generate a new pair.
	if time.Now().After(expiryWithMargin) {
		log.Info("TLS certificate will expire soon, generating a " +
			"new one")

		err := os.Remove(tlsCertFile)
		if err != nil {
			return nil, err
		}

		err = os.Remove(tlsKeyFile)
		if err != nil {
			return nil, err
		}

		log.Infof("Renewing TLS certificates...")
		err = cert.GenCertPair(
			"tollgate autogenerated cert", tlsCertFile,
			tlsKeyFile, nil, nil, selfSignedCertValidity,
		)
		if err != nil {
			return nil, err
		}
		log.Infof("Done renewing TLS certificates")

		// Reload the certificate data.
		certData, _, err = cert.LoadCert(tlsCertFile, tlsKeyFile)
		if err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{certData},
		CipherSuites: http2TLSCipherSuites,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// cleanup closes the server and the gate's collaborators and shuts down the
// log rotator.
func cleanup(server *http.Server, tollWallet wallet.Wallet,
	resolver trust.Resolver, sweepDone chan struct{}) {

	close(sweepDone)
	if resolver != nil {
		if err := resolver.Close(); err != nil {
			log.Errorf("Error closing trust resolver: %v", err)
		}
	}
	tollWallet.Stop()

	err := server.Close()
	if err != nil {
		log.Errorf("Error closing server: %v", err)
	}
	log.Info("Shutdown complete")
	err = logWriter.Close()
	if err != nil {
		log.Errorf("Could not close log rotator: %v", err)
	}
}
