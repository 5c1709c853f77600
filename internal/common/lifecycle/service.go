// Package lifecycle coordinates the long-running parts of the listener
// process. The message source, cleanup scheduler and ops HTTP server each
// implement Service; a Supervisor brings them up in dependency order,
// aggregates their health, and tears them down in reverse on shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"
)

// Service is one supervised part of the listener process.
type Service interface {
	// Name identifies the service in logs and health reports.
	Name() string

	// Start runs the service and blocks until ctx is cancelled. A non-nil
	// error means the service failed, during startup or later.
	Start(ctx context.Context) error

	// Stop shuts the service down, finishing within ctx's deadline.
	// Stop is idempotent.
	Stop(ctx context.Context) error

	// Health is nil while the service is able to do its work.
	Health() error
}

// Supervisor runs a fixed set of services as one unit. Order matters: the
// message source is listed before the ops server so readiness never reports
// a listener that is not up yet.
type Supervisor struct {
	services []Service
	mu       sync.RWMutex
	running  bool
}

func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{
		services: services,
	}
}

// Run starts every service in order and blocks until ctx is cancelled,
// then stops them in reverse order. A service that fails within its
// startup window aborts the whole bring-up and unwinds what already
// started.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	var started []Service
	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		errCh := make(chan error, 1)
		go func(service Service) {
			errCh <- service.Start(ctx)
		}(svc)

		// Start blocks for the service's whole lifetime, so only a short
		// window distinguishes "came up" from "failed immediately".
		select {
		case err := <-errCh:
			if err != nil {
				s.stopServices(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(100 * time.Millisecond):
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping services")

	s.stopServices(started)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// stopServices unwinds in reverse start order so dependents go first.
func (s *Supervisor) stopServices(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		slog.Info("Stopping service", "service", svc.Name())

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop error", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}

// Health reports the first unhealthy service; nil means all are healthy.
// Backs the readiness endpoint.
func (s *Supervisor) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}

// ServiceFunc adapts plain start/stop functions to Service, for pieces like
// the leader elector that need no state of their own.
type ServiceFunc struct {
	name      string
	startFunc func(ctx context.Context) error
	stopFunc  func(ctx context.Context) error
	healthFn  func() error
}

// NewServiceFunc builds a ServiceFunc that reports healthy unless WithHealth
// installs a check.
func NewServiceFunc(name string, start func(ctx context.Context) error, stop func(ctx context.Context) error) *ServiceFunc {
	return &ServiceFunc{
		name:      name,
		startFunc: start,
		stopFunc:  stop,
		healthFn:  func() error { return nil },
	}
}

func (s *ServiceFunc) Name() string                       { return s.name }
func (s *ServiceFunc) Start(ctx context.Context) error    { return s.startFunc(ctx) }
func (s *ServiceFunc) Stop(ctx context.Context) error     { return s.stopFunc(ctx) }
func (s *ServiceFunc) Health() error                      { return s.healthFn() }
func (s *ServiceFunc) WithHealth(fn func() error) *ServiceFunc {
	s.healthFn = fn
	return s
}
