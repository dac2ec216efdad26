package tollgate

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tollgate-labs/tollgate/auth"
)

// GatedService declares one route the admission gate is mounted on.
// Example YAML:
//
//	services:
//	  - name: replies
//	    path: /threads/{threadID}/replies
//	    methods: [POST]
//	    description: "Forum reply"
//	    agentfrom: "header:X-Agent-Id"
//	    contextfrom: "route:threadID"
type GatedService struct {
	// Name identifies the service in logs and metrics.
	Name string `long:"name" description:"Name of the gated service" yaml:"name"`

	// Path is the chi route pattern the gate is mounted on.
	Path string `long:"path" description:"Route pattern the gate is mounted on" yaml:"path"`

	// Methods are the HTTP verbs that are gated. An empty list gates all
	// verbs.
	Methods []string `long:"method" description:"HTTP methods that are gated" yaml:"methods"`

	// Description prefixes the invoice memo for this route.
	Description string `long:"description" description:"Invoice memo prefix for this route" yaml:"description"`

	// AgentFrom is the extractor spec for the agent identifier.
	AgentFrom string `long:"agentfrom" description:"Extractor spec for the agent identifier" yaml:"agentfrom"`

	// ContextFrom is the extractor spec for the pricing context.
	ContextFrom string `long:"contextfrom" description:"Extractor spec for the pricing context" yaml:"contextfrom"`

	// InvoiceTTLSecs overrides the global macaroon lifetime.
	InvoiceTTLSecs int `long:"invoicettlsecs" description:"Macaroon lifetime in seconds for this route" yaml:"invoicettlsecs"`

	// agentFrom and contextFrom are the compiled extractors.
	agentFrom   auth.Extractor
	contextFrom auth.Extractor
}

// compile validates the extractor specs so a typo fails at startup.
func (s *GatedService) compile() error {
	if s.Path == "" {
		return fmt.Errorf("missing route path")
	}

	var err error
	if s.AgentFrom != "" {
		s.agentFrom, err = auth.ParseExtractor(s.AgentFrom)
		if err != nil {
			return err
		}
	}
	if s.ContextFrom != "" {
		s.contextFrom, err = auth.ParseExtractor(s.ContextFrom)
		if err != nil {
			return err
		}
	}
	return nil
}

// defaultForumServices is the service table used when the demo forum runs
// without an explicit one: thread creation prices against a global context,
// replies against their thread.
func defaultForumServices() []*GatedService {
	return []*GatedService{{
		Name:        "threads",
		Path:        "/threads",
		Methods:     []string{http.MethodPost},
		Description: "Forum thread",
		ContextFrom: "body:contextId",
	}, {
		Name:        "replies",
		Path:        "/threads/{threadID}/replies",
		Methods:     []string{http.MethodPost},
		Description: "Forum reply",
		ContextFrom: "route:threadID",
	}}
}

// gateDeps bundles the shared collaborators every route gate is built from.
type gateDeps struct {
	cfg      *config
	gateCfg  auth.GateConfig
	observer auth.Observer
}

// newGate builds the admission gate for one service entry.
func (d *gateDeps) newGate(service *GatedService) (*auth.Gate, error) {
	gateCfg := d.gateCfg
	gateCfg.AgentFrom = service.agentFrom
	gateCfg.ContextFrom = service.contextFrom
	gateCfg.Observer = d.observer

	if service.Description != "" {
		gateCfg.Description = service.Description
	}
	ttlSecs := service.InvoiceTTLSecs
	if ttlSecs == 0 {
		ttlSecs = d.cfg.InvoiceTTLSecs
	}
	gateCfg.InvoiceTTL = time.Duration(ttlSecs) * time.Second

	return auth.NewGate(gateCfg)
}

// mountServices wires the gated routes into the router in front of the given
// downstream handler.
func mountServices(router chi.Router, services []*GatedService,
	deps *gateDeps, downstream http.Handler) error {

	for _, service := range services {
		gate, err := deps.newGate(service)
		if err != nil {
			return fmt.Errorf("unable to build gate for %q: %w",
				service.Name, err)
		}

		handler := gate.Middleware(downstream)
		methods := service.Methods
		if len(methods) == 0 {
			router.Handle(service.Path, handler)
		} else {
			for _, method := range methods {
				router.Method(method, service.Path, handler)
			}
		}

		log.Infof("Gating %v %v as service %q", methods, service.Path,
			service.Name)
	}
	return nil
}
