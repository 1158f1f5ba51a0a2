package capture

import (
	"context"
	"log/slog"
	"sync"
)

// Controller owns the running state of the capture proxy. Stopping closes
// the pipeline gate before the listener, so nothing new is appended once
// Stop returns, while the stored history stays queryable.
type Controller struct {
	pipeline *Pipeline
	proxy    *Proxy
	listen   string

	mu      sync.Mutex
	running bool
	addr    string

	logger *slog.Logger
}

// NewController creates a stopped Controller. The pipeline gate is closed
// until Start succeeds.
func NewController(pipeline *Pipeline, proxy *Proxy, listen string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	pipeline.Close()
	return &Controller{
		pipeline: pipeline,
		proxy:    proxy,
		listen:   listen,
		logger:   logger.With("component", "capture.Controller"),
	}
}

// Start begins listening and opens the pipeline.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	addr, err := c.proxy.ListenAndServe(c.listen)
	if err != nil {
		return err
	}
	c.pipeline.Open()
	c.running = true
	c.addr = addr.String()
	c.logger.Info("capture started", "listen", c.addr)
	return nil
}

// Stop closes the pipeline and shuts the proxy down. It returns
// ErrUnavailable when capture is not running.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrUnavailable
	}
	c.pipeline.Close()
	c.running = false
	err := c.proxy.Shutdown(ctx)
	c.logger.Info("capture stopped", "listen", c.addr)
	return err
}

// Running reports whether capture is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Listen returns the bound address while running, else the configured one.
func (c *Controller) Listen() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.addr
	}
	return c.listen
}
