package engine

import (
	"sync"
	"time"
)

// TickSource schedules periodic callbacks for Scheduled stages.
//
// Every calls fn once per interval until stop is called. fn must not block;
// the pipeline's fn only enqueues a tick message.
type TickSource interface {
	Every(interval time.Duration, fn func()) (stop func())
}

// WallTicks is the production TickSource backed by time.Ticker.
type WallTicks struct{}

// Every starts a ticker goroutine.
func (WallTicks) Every(interval time.Duration, fn func()) func() {
	t := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return sync.OnceFunc(func() {
		t.Stop()
		close(done)
	})
}
