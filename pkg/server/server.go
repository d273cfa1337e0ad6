package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowmesh/config"
)

const shutdownTimeout = 30 * time.Second

// Server serves the HTTP API of one node.
type Server struct {
	config *config.Config
	node   *Node
	http   *http.Server
	logger hclog.Logger
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, node *Node, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("http")
	return &Server{
		config: cfg,
		node:   node,
		logger: logger,
		http: &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      NewHandler(node, logger),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
}

// Start starts the node and the HTTP listener, and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}

	if err := s.node.Start(ctx); err != nil {
		_ = listener.Close()
		return err
	}

	s.logger.Info("starting flowmesh server", "address", s.http.Addr, "node", s.config.Cluster.NodeID)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.logger.Error("http server error", "error", err)
		}
	}

	return s.Stop()
}

// Stop stops the server gracefully
func (s *Server) Stop() error {
	s.logger.Info("stopping flowmesh server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("forcing http shutdown", "error", err)
		_ = s.http.Close()
	}

	return s.node.Close()
}
