// Package shutdown closes the evidence plane's long-lived resources in a
// fixed order once the HTTP server has drained.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// Component is a resource that can be released on shutdown.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown releases the component. It should return by ctx's deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator shuts registered components down in reverse registration
// order, so a component registered after its dependencies goes first.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	components []Component

	once     sync.Once
	exitCode int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component. Nil components are ignored.
func (c *Coordinator) Register(component Component) {
	if component == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// Shutdown releases every component, last registered first. Only the first
// call does any work. A component error or an exceeded deadline sets the
// exit code to 1; the remaining components are still released.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		code := 0
		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			if err := c.release(ctx, comp); err != nil {
				code = 1
				if errors.Is(err, context.DeadlineExceeded) {
					c.logger.Warn("shutdown timeout exceeded", "name", comp.Name())
					continue
				}
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				continue
			}
			c.logger.Info("component shutdown complete", "name", comp.Name())
		}

		c.mu.Lock()
		c.exitCode = code
		c.mu.Unlock()
	})
}

// release runs one component's Shutdown and gives up when ctx expires.
func (c *Coordinator) release(ctx context.Context, comp Component) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- comp.Shutdown(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode returns 0 after a clean shutdown and 1 otherwise.
func (c *Coordinator) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}
