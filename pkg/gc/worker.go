package gc

import (
	"context"
	"errors"
	"time"

	"github.com/watersir/logfs/internal/logger"
)

// gc_idle knob values.
const (
	gcIdleNone   = 0
	gcIdleCB     = 1
	gcIdleGreedy = 2
)

// worker is the long-lived pacing loop: one per filesystem instance.
// It decides when to invoke background collection based on freeze
// state, I/O idleness, and how much invalid garbage has piled up.
type worker struct {
	m *Manager

	minSleep  time.Duration
	maxSleep  time.Duration
	noGCSleep time.Duration

	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
}

// Start spawns the pacing worker. Idempotent failure: a second Start
// without an intervening Stop returns ErrWorkerRunning.
func (m *Manager) Start() error {
	if m.worker != nil {
		return ErrWorkerRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		m:         m,
		minSleep:  m.cfg.MinSleep,
		maxSleep:  m.cfg.MaxSleep,
		noGCSleep: m.cfg.NoGCSleep,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.worker = w

	logger.Info("starting gc worker",
		logger.KeyDevice, m.fs.DeviceID(),
		logger.KeyMinSleep, w.minSleep,
		logger.KeyMaxSleep, w.maxSleep,
	)
	go w.run(ctx)
	return nil
}

// Stop signals the worker and waits for it to exit. Safe to call when
// no worker is running.
func (m *Manager) Stop() {
	w := m.worker
	if w == nil {
		return
	}
	w.cancel()
	close(w.stopCh)
	<-w.doneCh
	m.worker = nil
	logger.Info("gc worker stopped", logger.KeyDevice, m.fs.DeviceID())
}

// increase and decrease step the adaptive pause by one minSleep and
// clamp it to [minSleep, maxSleep].
func (w *worker) increase(d time.Duration) time.Duration {
	d += w.minSleep
	if d > w.maxSleep {
		d = w.maxSleep
	}
	return d
}

func (w *worker) decrease(d time.Duration) time.Duration {
	d -= w.minSleep
	if d < w.minSleep {
		d = w.minSleep
	}
	return d
}

// run is the worker loop.
//
// Each tick: honor stop and freeze, take the GC lock without blocking,
// require an idle I/O subsystem, then adapt the pause to free-space
// pressure and run one background pass. Collection is skipped entirely
// whenever any gate fails; garbage is cheapest to collect once user
// updates have stopped invalidating blocks on their own.
func (w *worker) run(ctx context.Context) {
	defer close(w.doneCh)

	wait := w.minSleep

	for {
		select {
		case <-w.stopCh:
			return
		case <-time.After(wait):
		}

		if w.m.fs.Frozen() {
			wait = w.increase(wait)
			continue
		}

		if !w.m.mu.TryLock() {
			continue
		}

		if !w.m.fs.IsIdle() {
			wait = w.increase(wait)
			w.m.mu.Unlock()
			continue
		}

		if w.m.fs.HasEnoughInvalidBlocks() {
			wait = w.decrease(wait)
		} else {
			wait = w.increase(wait)
		}

		w.m.met.BackgroundPass()

		// gcLocked releases the GC lock
		if err := w.m.gcLocked(ctx, false); errors.Is(err, ErrNoVictim) {
			wait = w.noGCSleep
		}

		w.m.met.WorkerSleep(wait)
		logger.Debug("background gc tick",
			logger.KeyWait, wait,
			logger.KeyPrefree, w.m.fs.PrefreeSegments(),
			logger.KeyFreeSegs, w.m.fs.FreeSegments(),
		)

		// balance metadata periodically while we are here
		w.m.fs.BalanceBG()
	}
}
