package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Runner supervises fire-and-forget jobs so graceful shutdown can wait for
// in-flight work instead of killing it mid-publish.
type Runner struct {
	wg sync.WaitGroup
}

// Go runs fn on its own goroutine. Panics are contained: a crashed job must
// not take the server down.
func (r *Runner) Go(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("background job panicked")
			}
		}()
		fn()
	}()
}

// Wait blocks until all jobs finish or ctx expires, whichever is first.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
