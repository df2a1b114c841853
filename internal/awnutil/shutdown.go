package awnutil

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// GracefulShutdown runs a set of registered teardown functions in reverse
// registration order (LIFO), bounding the whole sequence with a timeout.
// No package in this module registers with it; it is a standalone helper.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	timeout    time.Duration
	logger     *Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager.
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{
		shutdownFn: make([]func() error, 0),
		timeout:    timeout,
		logger:     logger,
	}
}

// Register registers a shutdown function.
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown executes all registered shutdown functions one at a time, last
// registered first, and combines every failure into a single multierr,
// rather than reporting only the first one. If the timeout expires first,
// it returns without waiting for the remaining functions.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	fns := make([]func() error, len(g.shutdownFn))
	copy(fns, g.shutdownFn)
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", Int("components", len(fns)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var (
		errMu sync.Mutex
		errs  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				g.logger.Error("shutdown function failed", Int("index", i), Err(err))
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
			}
		}
	}()

	select {
	case <-done:
		g.logger.Info("graceful shutdown complete")
		return errs
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		errMu.Lock()
		defer errMu.Unlock()
		return multierr.Append(errs, NewError("shutdown timeout"))
	}
}
