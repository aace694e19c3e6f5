// Copyright 2025 The meshrouter Authors
// This file is part of the meshrouter library.
//
// The meshrouter library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The meshrouter library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the meshrouter library. If not, see <http://www.gnu.org/licenses/>.

package router

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openmesh-lab/meshrouter/auth"
	"github.com/openmesh-lab/meshrouter/ble"
	"github.com/openmesh-lab/meshrouter/ids"
	"github.com/openmesh-lab/meshrouter/routerdb"
)

const shutdownTimeout = 5 * time.Second

// Service ties the ingress API and the forwarder loop to one listener
// lifecycle. It does not own the store, engine or audit log; the caller
// opens and closes those.
type Service struct {
	cfg Config
	log log.Logger

	api *Server
	fwd *Forwarder

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewService assembles the API server and forwarder around shared state.
func NewService(cfg Config, store *routerdb.Store, engine *ids.Engine, audit *ids.AuditLog, creds *auth.Registry, adapter *ble.Client) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg: cfg,
		log: cfg.Logger,
		api: NewServer(cfg, store, engine, audit, creds),
		fwd: NewForwarder(cfg, store, adapter, engine),
	}
}

// Start binds the listener and launches the HTTP server and forwarder.
func (s *Service) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("router: service already started")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.api,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go s.server.Serve(listener)
	s.fwd.Start()

	s.log.Info("HTTP ingress online", "endpoint", listener.Addr(), "debug", s.cfg.DebugMode, "forwarding", s.cfg.ForwardingEnabled)
	return nil
}

// Endpoint returns the bound listener address, or "" before Start.
func (s *Service) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop halts the forwarder, drains in-flight HTTP requests and closes the
// listener. It is a no-op when the service never started.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	s.fwd.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil && err == ctx.Err() {
		s.log.Warn("HTTP ingress graceful shutdown timed out", "err", err)
		s.server.Close()
	}
	s.listener = nil
	s.server = nil

	s.log.Info("HTTP ingress closed")
	return err
}
