package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sessionPurger interface {
	PurgeExpired() error
}

type presenceSweeper interface {
	Sweep() int
}

type maintenanceTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) maintenanceTicker

func newTimeTicker(d time.Duration) maintenanceTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

func startSessionPurgeWorker(ctx context.Context, logger *slog.Logger, sessions sessionPurger, interval time.Duration) func() {
	if sessions == nil {
		return func() {}
	}
	return startMaintenanceWorker(ctx, interval, newTimeTicker, func() {
		if err := sessions.PurgeExpired(); err != nil && logger != nil {
			logger.Error("failed to purge expired sessions", "error", err)
		}
	})
}

func startPresenceSweepWorker(ctx context.Context, logger *slog.Logger, tracker presenceSweeper, interval time.Duration) func() {
	if tracker == nil {
		return func() {}
	}
	return startMaintenanceWorker(ctx, interval, newTimeTicker, func() {
		if removed := tracker.Sweep(); removed > 0 && logger != nil {
			logger.Info("expired stale presence entries", "count", removed)
		}
	})
}

// startMaintenanceWorker runs fn on every tick until the context is cancelled
// or the returned stop function is called. Stop blocks until the worker has
// exited so shutdown never races a final tick.
func startMaintenanceWorker(ctx context.Context, interval time.Duration, newTicker tickerFactory, fn func()) func() {
	if interval <= 0 || fn == nil {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
