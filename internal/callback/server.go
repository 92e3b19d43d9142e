// Package callback serves the validation callback API, the only push entry point of the pipeline.
//
// Devices booted into the validation image report their hardware and interface facts here.
package callback

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/ingest"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/queue"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var ErrTLSConfig = errors.New("callback TLS configuration error")

// Server is the validation callback HTTP server.
type Server struct {
	inventory inventory.Inventory
	queue     queue.Queue
	writer    *lifecycle.Writer
	ingestor  *ingest.Ingestor
	options   *app.CallbackOptions
	logger    *logrus.Logger
	now       func() time.Time
}

// Option sets optional Server parameters.
type Option func(*Server)

// WithLeaseIngestor enables the lease push endpoint.
func WithLeaseIngestor(i *ingest.Ingestor) Option {
	return func(s *Server) {
		s.ingestor = i
	}
}

// NewServer returns a callback Server.
func NewServer(
	inv inventory.Inventory,
	q queue.Queue,
	writer *lifecycle.Writer,
	options *app.CallbackOptions,
	logger *logrus.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		inventory: inv,
		queue:     q,
		writer:    writer,
		options:   options,
		logger:    logger,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Router returns the gin engine with the API routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/validation/report", countResponses(), s.validationReport)

		if s.ingestor != nil {
			v1.POST("/leases", s.pushLease)
		}
	}

	return r
}

// Handler returns the traced http.Handler serving the API.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "callback-api")
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if s.options.TLSCA != "" {
		pem, err := os.ReadFile(s.options.TLSCA)
		if err != nil {
			return nil, errors.Wrap(ErrTLSConfig, err.Error())
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Wrap(ErrTLSConfig, "no certificates in "+s.options.TLSCA)
		}

		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if s.options.RequireClientCert {
		if cfg.ClientCAs == nil {
			return nil, errors.Wrap(ErrTLSConfig, "client certificates required without a CA")
		}

		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// ListenAndServe serves the API on the configured listen address until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.options.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if s.options.TLSEnabled() {
		cfg, err := s.tlsConfig()
		if err != nil {
			return err
		}

		server.TLSConfig = cfg
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.WithFields(logrus.Fields{
			"listen": s.options.Listen,
			"tls":    s.options.TLSEnabled(),
			"mtls":   s.options.RequireClientCert,
		}).Info("callback API listening")

		var err error
		if s.options.TLSEnabled() {
			err = server.ListenAndServeTLS(s.options.TLSCert, s.options.TLSKey)
		} else {
			err = server.ListenAndServe()
		}

		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
