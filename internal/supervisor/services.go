// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer matches the api server lifecycle.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts the blocking ListenAndServe pattern to a
// supervised, context-aware service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps the HTTP server for supervision.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The serve context is already cancelled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return "http-server" }

// StartStopper matches components with explicit Start/Stop lifecycles,
// the activity buffer and the report scheduler among them.
type StartStopper interface {
	Start() error
	Stop() error
}

// StartStopService supervises a Start/Stop component: started on Serve,
// stopped when the supervisor cancels the context.
type StartStopService struct {
	name      string
	component StartStopper
}

// NewStartStopService wraps a Start/Stop component for supervision.
func NewStartStopService(name string, component StartStopper) *StartStopService {
	return &StartStopService{name: name, component: component}
}

// Serve implements suture.Service.
func (s *StartStopService) Serve(ctx context.Context) error {
	if err := s.component.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.name, err)
	}
	<-ctx.Done()
	if err := s.component.Stop(); err != nil {
		return fmt.Errorf("stop %s: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *StartStopService) String() string { return s.name }

// ContextStarter matches components whose background loop takes the
// lifetime context at start, the report scheduler among them.
type ContextStarter interface {
	Start(ctx context.Context) error
	Stop() error
}

// ContextStartService supervises a ContextStarter.
type ContextStartService struct {
	name      string
	component ContextStarter
}

// NewContextStartService wraps a context-starting component for
// supervision.
func NewContextStartService(name string, component ContextStarter) *ContextStartService {
	return &ContextStartService{name: name, component: component}
}

// Serve implements suture.Service.
func (s *ContextStartService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", s.name, err)
	}
	<-ctx.Done()
	if err := s.component.Stop(); err != nil {
		return fmt.Errorf("stop %s: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *ContextStartService) String() string { return s.name }

// Runner matches components that block in Run until cancelled, the
// intake pipeline among them.
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// RunnerService supervises a blocking Run component.
type RunnerService struct {
	name   string
	runner Runner
}

// NewRunnerService wraps a Run/Close component for supervision.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{name: name, runner: runner}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if closeErr := s.runner.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *RunnerService) String() string { return s.name }
