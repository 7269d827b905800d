package engine

import (
	"context"
	"time"
)

// Run steps the engine until turns turns have run (zero means no limit), Stop
// is called or ctx is done. A player agent does not halt the run: only the
// pipeline player_turn step waits for player input. speed is the pause
// between turns. While paused, Run blocks without consuming turns.
// Stop takes effect between turns; a turn in flight completes. Run returns
// the results of the turns it ran and ctx.Err() when ctx ended the run.
func (e *Engine) Run(ctx context.Context, turns int, speed time.Duration) ([]TurnResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.cancelRun != nil {
		e.mu.Unlock()
		return nil, ErrRunning
	}
	e.state.IsRunning = true
	e.state.IsPaused = false
	e.stopped = false
	e.cancelRun = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.state.IsRunning = false
		e.cancelRun = nil
		e.mu.Unlock()
	}()

	var results []TurnResult
	for {
		if err := e.waitResumed(runCtx); err != nil {
			return results, e.runErr(ctx)
		}
		if e.stopRequested() {
			return results, nil
		}
		res, err := e.Step(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if turns > 0 && len(results) >= turns {
			return results, nil
		}
		if speed > 0 {
			if err := e.sleep(runCtx, speed); err != nil {
				return results, e.runErr(ctx)
			}
		}
	}
}

// runErr maps the end of the run context to the error returned by Run: a
// Stop is a clean exit, a done parent context is not.
func (e *Engine) runErr(ctx context.Context) error {
	if e.stopRequested() {
		return nil
	}
	return ctx.Err()
}

func (e *Engine) waitResumed(ctx context.Context) error {
	for {
		e.mu.Lock()
		paused := e.state.IsPaused
		ch := e.resume
		e.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) stopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Pause suspends Run before its next turn.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.IsPaused {
		e.state.IsPaused = true
		e.resume = make(chan struct{})
	}
}

// Resume releases a paused Run.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.IsPaused {
		e.state.IsPaused = false
		close(e.resume)
	}
}

// Stop ends Run after the turn in flight, waking it if paused or sleeping.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.state.IsRunning = false
	if e.cancelRun != nil {
		e.cancelRun()
	}
}
