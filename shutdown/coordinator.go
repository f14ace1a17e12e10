package shutdown

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/escrowkit/logging"
)

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0). Default: 30s.
	Timeout time.Duration

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	// Logger records each handler's outcome.
	Logger *logging.Logger
}

// DefaultTimeout bounds a shutdown when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration

	once   sync.Once
	done   chan struct{}
	result *Result
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		config: cfg,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a close function under phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
}

// Shutdown runs every phase in order. Only the first call does anything;
// later calls return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	err := ErrAlreadyShutdown
	c.once.Do(func() {
		c.result = c.run(ctx)
		err = c.result.Err
		close(c.done)
	})
	return err
}

// ShutdownWithTimeout runs Shutdown under a deadline. A zero timeout uses
// the configured one.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}

		failed := false
		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				failed = true
			}
		}
		if failed && result.Err == nil {
			result.Err = ErrHandlerFailed
		}
		if failed && c.config.StopOnError {
			break
		}
	}

	result.TotalDuration = time.Since(start)
	c.logger.Info("shutdown_complete", map[string]interface{}{
		"handlers":    len(result.Results),
		"failed":      len(result.FailedHandlers()),
		"duration_ms": result.TotalDuration.Milliseconds(),
	})
	return result
}

// runPhase runs one phase's handlers concurrently.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler(ctx)
			results[i] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": results[i].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("close_failed", fields)
			} else {
				c.logger.Debug("closed", fields)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into one slice per phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
