package shutdown

import (
	"context"
	"errors"
	"time"
)

// Phases, in closing order.
const (
	PhaseIntake    = 10
	PhaseDelivery  = 20
	PhaseLedger    = 30
	PhaseTelemetry = 40
)

// Errors
var (
	// ErrAlreadyShutdown is returned by Shutdown calls after the first.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the deadline passed before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed means at least one close function returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Handler closes one component. ctx carries the shutdown deadline.
type Handler func(ctx context.Context) error

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether any handler failed or the deadline passed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

type registration struct {
	name    string
	phase   int
	handler Handler
}
