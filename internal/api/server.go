// Package api provides the HTTP REST API for rolekeeper.
//
// It exposes role claim, check, release and listing endpoints to relay
// client applications, plus the broker event webhook the control plane
// posts disconnect notifications to.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
	"github.com/peerlink/rolekeeper/internal/infrastructure/logging"
	"github.com/peerlink/rolekeeper/internal/lease"
	"github.com/peerlink/rolekeeper/internal/resolve"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// resolver is the conflict-resolution surface the API exposes.
type resolver interface {
	Claim(ctx context.Context, req resolve.Claim) (*resolve.Outcome, error)
	Check(ctx context.Context, accountID, role string) (*resolve.Conflict, error)
	Release(ctx context.Context, accountID, role string) error
	HandleBrokerDisconnect(ctx context.Context, clientID string) error
}

// leaseLister reads an account's current leases.
type leaseLister interface {
	ListByAccount(ctx context.Context, accountID string) ([]lease.Lease, error)
}

// HealthChecker is implemented by infrastructure components that can
// report their own liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Resolver resolver
	Leases   leaseLister

	// Health maps component names to their health checks; reported by
	// GET /api/v1/health. Optional entries may be omitted.
	Health map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for rolekeeper.
type Server struct {
	cfg      config.APIConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	resolver resolver
	leases   leaseLister
	health   map[string]HealthChecker
	version  string
	validate *validator.Validate
	server   *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if deps.Leases == nil {
		return nil, fmt.Errorf("lease lister is required")
	}

	return &Server{
		cfg:      deps.Config,
		secCfg:   deps.Security,
		logger:   deps.Logger.With("component", "api"),
		resolver: deps.Resolver,
		leases:   deps.Leases,
		health:   deps.Health,
		version:  deps.Version,
		validate: validator.New(),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
