package utils

import (
	"context"
	"sync"
	"time"
)

// GracefulShutdown coordinates orderly teardown of registered components.
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

// Register adds a shutdown function. Shutdown starts the functions in
// reverse registration order but runs them concurrently, so no function
// waits for a later-registered one to finish.
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown executes all registered shutdown functions, bounded by timeout.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", Int("components", len(g.shutdownFn)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	errChan := make(chan error, len(g.shutdownFn))
	var wg sync.WaitGroup

	for i := len(g.shutdownFn) - 1; i >= 0; i-- {
		wg.Add(1)
		fn := g.shutdownFn[i]
		go func(idx int, shutdownFn func() error) {
			defer wg.Done()
			if err := shutdownFn(); err != nil {
				g.logger.Error("shutdown function failed", Int("index", idx), Err(err))
				errChan <- err
			}
		}(i, fn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return NewRoutingError("SHUTDOWN_TIMEOUT", "shutdown timeout")
	}
}
