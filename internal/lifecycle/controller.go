// Package lifecycle tracks whether the service is accepting work.
package lifecycle

import (
	"sync"

	"github.com/book-expert/logger"
)

// Status is the externally visible health of the service.
type Status string

// Service states.
const (
	StatusStarting     Status = "starting"
	StatusReady        Status = "ready"
	StatusShuttingDown Status = "shutting_down"
)

// Controller owns the service state machine starting -> ready -> shutting_down.
type Controller struct {
	mu     sync.Mutex
	status Status
	hooks  []func()
	done   chan struct{}
	log    *logger.Logger
}

// NewController creates a controller in the starting state.
func NewController(log *logger.Logger) *Controller {
	return &Controller{
		status: StatusStarting,
		done:   make(chan struct{}),
		log:    log,
	}
}

// MarkReady moves a starting service to ready. It has no effect once
// shutdown has been requested.
func (c *Controller) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusStarting {
		c.status = StatusReady
		c.log.System("Service is ready")
	}
}

// Health reports the current state.
func (c *Controller) Health() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// OnShutdown registers a hook run by RequestShutdown, in registration order.
func (c *Controller) OnShutdown(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks = append(c.hooks, hook)
}

// RequestShutdown runs the shutdown hooks once and then closes Done.
// Later calls are no-ops. Hooks have run by the time the first call returns.
func (c *Controller) RequestShutdown() {
	c.mu.Lock()

	if c.status == StatusShuttingDown {
		c.mu.Unlock()

		return
	}

	c.status = StatusShuttingDown
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	c.log.System("Shutdown requested")

	for _, hook := range hooks {
		hook()
	}

	close(c.done)
}

// Done is closed once shutdown has been requested and the hooks have run.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}
