package main

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSessionManager struct {
	calls chan struct{}
	err   error
}

func newFakeSessionManager() *fakeSessionManager {
	return &fakeSessionManager{calls: make(chan struct{}, 1)}
}

func (f *fakeSessionManager) PurgeExpired() error {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.err
}

type fakeSweeper struct {
	swept atomic.Int64
}

func (f *fakeSweeper) Sweep() int {
	f.swept.Add(1)
	return 1
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestSessionPurgeWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	sessions := newFakeSessionManager()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startMaintenanceWorker(ctx, time.Minute, func(time.Duration) maintenanceTicker {
		return ticker
	}, func() {
		if err := sessions.PurgeExpired(); err != nil {
			logger.Error("purge failed", "error", err)
		}
	})

	ticker.Tick()
	select {
	case <-sessions.calls:
	case <-time.After(time.Second):
		t.Fatal("expected purge to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestPresenceSweepWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	sweeper := &fakeSweeper{}

	stop := startMaintenanceWorker(ctx, time.Minute, func(time.Duration) maintenanceTicker {
		return ticker
	}, func() {
		sweeper.Sweep()
	})
	defer stop()

	ticker.Tick()
	deadline := time.Now().Add(time.Second)
	for sweeper.swept.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected sweep to be invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkersDisabledWithoutInterval(t *testing.T) {
	stop := startSessionPurgeWorker(context.Background(), nil, newFakeSessionManager(), 0)
	stop()

	stop = startPresenceSweepWorker(context.Background(), nil, &fakeSweeper{}, 0)
	stop()
}
