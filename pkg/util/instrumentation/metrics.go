// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/cortexproject/cortex/blob/master/tools/querytee/instrumentation.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Cortex Authors.

package instrumentation

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes Prometheus metrics on /metrics, plus whatever routes are
// registered on its router before Start.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   log.Logger
	router   *mux.Router
	srv      *http.Server
	listener net.Listener
}

// NewServer returns a server listening on addr once started.
func NewServer(addr string, gatherer prometheus.Gatherer, logger log.Logger) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logger,
		router:   router,
	}
}

// Router returns the router serving the requests, to register more routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start the instrumentation server.
func (s *Server) Start() error {
	// Setup listener first, so we can fail early if the port is in use.
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(s.logger).Log("msg", "instrumentation server terminated", "err", err)
		}
	}()

	level.Info(s.logger).Log("msg", "instrumentation server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the address the server listens on, or an empty string before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down, waiting for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	s.listener = nil
	return err
}
