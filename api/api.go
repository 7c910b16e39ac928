// Package api exposes the operator-facing HTTP surface: liveness and
// readiness probes, CA certificate and CRL distribution, and the OpenAPI
// document describing them.
package api

import (
	"context"
	_ "embed"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/sirupsen/logrus"

	"github.com/jmcleod/ovpnkeeper/internal/logs"
)

// Pinger reports whether the device store can serve requests.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CertificateSource provides the CA bundle handed to clients.
type CertificateSource interface {
	ExportCA() string
}

// RevocationSource produces a freshly signed PEM CRL.
type RevocationSource interface {
	RevocationList(ctx context.Context) ([]byte, error)
}

// DefaultReadyTimeout bounds the storage ping behind /ready.
const DefaultReadyTimeout = 2 * time.Second

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	store        Pinger
	ca           CertificateSource
	crl          RevocationSource
	log          logrus.FieldLogger
	readyTimeout time.Duration
}

//go:embed openapi.yaml
var openapiDocument []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger used for request and failure logging.
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithReadyTimeout overrides DefaultReadyTimeout.
func WithReadyTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.readyTimeout = d
		}
	}
}

// New creates a new API instance.
func New(store Pinger, ca CertificateSource, crl RevocationSource, opts ...Option) *API {
	a := &API{
		store:        store,
		ca:           ca,
		crl:          crl,
		log:          logs.Discard(),
		readyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(a.RequestLogger)
	r.Use(a.Recoverer)

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/yaml")
			w.Write(openapiDocument)
		})

		r.Get("/health", a.Health)
		r.Get("/ready", a.Ready)
		r.Get("/ca.pem", a.CACertificate)
		r.Get("/crl.pem", a.RevocationList)
	})

	return r
}
