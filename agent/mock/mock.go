// Package mock provides a scripted executor for tests and demo agents.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
)

const defaultResponse = "Task acknowledged. Work complete."

// ErrScripted is the failure returned by FailFirst when no error is given.
var ErrScripted = errors.New("mock: scripted failure")

// Executor implements agent.Executor. It returns scripted responses in a
// cycle and can be told to fail or stall.
type Executor struct {
	mu        sync.Mutex
	responses []string
	idx       int
	failures  int
	failErr   error
	delay     time.Duration
	block     chan struct{}
	calls     []agent.Request
}

// New creates an Executor that cycles through the given responses.
func New(responses ...string) *Executor {
	return &Executor{responses: responses}
}

// FailFirst makes the next n calls fail with err (ErrScripted when nil).
func (e *Executor) FailFirst(n int, err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		err = ErrScripted
	}
	e.failures = n
	e.failErr = err
	return e
}

// WithDelay makes every call wait d before answering, or until ctx ends.
func (e *Executor) WithDelay(d time.Duration) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
	return e
}

// Block makes calls wait until Unblock is called or ctx ends.
func (e *Executor) Block() *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block = make(chan struct{})
	return e
}

// Unblock releases blocked and future calls.
func (e *Executor) Unblock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.block != nil {
		close(e.block)
		e.block = nil
	}
}

// Execute returns the next scripted response.
func (e *Executor) Execute(ctx context.Context, req agent.Request) (any, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	delay, block := e.delay, e.block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return nil, fmt.Errorf("task %s attempt %d: %w", req.TaskID, req.Attempt, e.failErr)
	}
	if len(e.responses) == 0 {
		return defaultResponse, nil
	}
	resp := e.responses[e.idx%len(e.responses)]
	e.idx++
	return resp, nil
}

// Calls returns the requests received so far.
func (e *Executor) Calls() []agent.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]agent.Request, len(e.calls))
	copy(out, e.calls)
	return out
}
