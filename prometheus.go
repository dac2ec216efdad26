package tollgate

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tollgate-labs/tollgate/pricing"
	"github.com/tollgate-labs/tollgate/wallet"
)

const outcomeLabel = "outcome"

var (
	// challengeCount counts the 402 challenges issued.
	challengeCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "challenges_issued_total",
	})

	// admissionCount counts admission decisions, labeled by outcome
	// (paid, free, failopen, denied, ratelimited).
	admissionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "admissions_total",
		}, []string{outcomeLabel},
	)
)

// PrometheusConfig is the set of configuration data that specifies if
// Prometheus metric exporting is activated, and if so the listening address of
// the Prometheus server.
type PrometheusConfig struct {
	// Enabled, if true, then Prometheus metrics will be exported.
	Enabled bool `long:"enabled" description:"if true prometheus metrics will be exported" yaml:"enabled"`

	// ListenAddr is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	ListenAddr string `long:"listenaddr" description:"the interface we should listen on for prometheus" yaml:"listenaddr"`
}

// metricsObserver feeds gate outcomes into the prometheus counters.
type metricsObserver struct{}

// ChallengeIssued increments the challenge counter.
//
// NOTE: This is part of the auth.Observer interface.
func (o *metricsObserver) ChallengeIssued() {
	challengeCount.Inc()
}

// Admission increments the outcome counter.
//
// NOTE: This is part of the auth.Observer interface.
func (o *metricsObserver) Admission(outcome string) {
	admissionCount.WithLabelValues(outcome).Inc()
}

// StartPrometheusExporter registers all relevant metrics with the Prometheus
// library, then launches the HTTP server that Prometheus will hit to scrape
// our metrics.
func StartPrometheusExporter(cfg *PrometheusConfig, engine *pricing.Engine,
	store *wallet.InvoiceStore) error {

	// If we're not active, then there's nothing more to do.
	if !cfg.Enabled {
		return nil
	}

	// Next, we'll register all our metrics.
	prometheus.MustRegister(challengeCount)
	prometheus.MustRegister(admissionCount)
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tollgate",
		Name:      "pricing_contexts",
	}, func() float64 {
		return float64(engine.Stats().Contexts)
	}))
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tollgate",
		Name:      "pricing_agents",
	}, func() float64 {
		return float64(engine.Stats().Agents)
	}))
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tollgate",
		Name:      "pricing_actions_total",
	}, func() float64 {
		return float64(engine.Stats().TotalActions)
	}))
	if store != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "tollgate",
				Name:      "invoice_cache_size",
			}, func() float64 {
				return float64(store.Count())
			},
		))
	}

	// Finally, we'll launch the HTTP server that Prometheus will use to
	// scape our metrics.
	go func() {
		log.Infof("Prometheus metrics http endpoint being served on "+
			"%s", cfg.ListenAddr)

		http.Handle("/metrics", promhttp.Handler())
		fmt.Println(http.ListenAndServe(cfg.ListenAddr, nil))
	}()

	return nil
}
