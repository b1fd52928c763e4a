// Package api exposes the artifact catalog, deployments and training runs
// over HTTP for inference services and operator tooling.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/config"
	"github.com/modelyard/modelyard/pkg/deploy"
	"github.com/modelyard/modelyard/pkg/eval"
	"github.com/modelyard/modelyard/pkg/pipeline"
	"github.com/modelyard/modelyard/pkg/registry"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Deps carries the services the handlers operate on. The caller owns their
// lifecycles; the server only owns the HTTP listener.
type Deps struct {
	Registry *registry.Service
	Deployer *deploy.Controller
	Pipeline *pipeline.Orchestrator
	Eval     *eval.Engine
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	reg        *registry.Service
	deployer   *deploy.Controller
	pipeline   *pipeline.Orchestrator
	eval       *eval.Engine
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.ServerConfig, deps Deps) Server {
	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		reg:      deps.Registry,
		deployer: deps.Deployer,
		pipeline: deps.Pipeline,
		eval:     deps.Eval,
	}
}

// Start binds the listener and begins serving. The bind happens
// synchronously so port conflicts surface here rather than in the serve
// goroutine.
func (s *server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server, waiting out in-flight
// requests up to the shutdown timeout.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
