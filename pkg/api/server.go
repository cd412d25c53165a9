package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server serves a Handler over HTTP
type Server struct {
	mu       sync.RWMutex
	address  string
	listener net.Listener
	http     *http.Server
	handler  http.Handler
	logger   *log.Logger
	started  bool
}

// NewServer creates a new REST server
func NewServer(address string, handler http.Handler, logger *log.Logger) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		address: address,
		handler: handler,
		logger:  logger,
	}, nil
}

// Start listens on the server address and starts serving
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(listener)
}

// Serve starts serving on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	s.listener = listener
	s.address = listener.Addr().String()
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          s.logger,
	}
	s.started = true

	srv := s.http
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("[ERROR] REST server stopped: %v", err)
		}
	}()

	s.logger.Printf("[INFO] REST API listening on %s", s.address)
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx is done
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	err := s.http.Shutdown(ctx)
	s.http = nil
	s.listener = nil
	s.started = false
	return err
}

// Address returns the server address
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}
