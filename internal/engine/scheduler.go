package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/monitor"
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

type loop struct {
	name     string
	interval time.Duration
	forever  bool
	fn       Task
}

// Scheduler runs each registered loop in its own goroutine. Loops share nothing
// but the store. A failed or panicking pass is recorded and the loop keeps running.
type Scheduler struct {
	metrics *monitor.Metrics
	log     *zap.Logger
	loops   []loop
	wg      sync.WaitGroup
}

func NewScheduler(metrics *monitor.Metrics, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{metrics: metrics, log: log.Named("scheduler")}
}

// Every registers fn to run once immediately and then every interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) {
	if interval <= 0 {
		interval = time.Second
	}
	s.loops = append(s.loops, loop{name: name, interval: interval, fn: fn})
}

// Go registers a long-running task such as a stream reader. It is restarted
// after restartDelay if it returns before shutdown.
func (s *Scheduler) Go(name string, restartDelay time.Duration, fn Task) {
	if restartDelay <= 0 {
		restartDelay = time.Second
	}
	s.loops = append(s.loops, loop{name: name, interval: restartDelay, forever: true, fn: fn})
}

// Names lists the registered loops in registration order.
func (s *Scheduler) Names() []string {
	out := make([]string, len(s.loops))
	for i, l := range s.loops {
		out[i] = l.name
	}
	return out
}

// Run starts every loop and blocks until ctx is done and all loops have returned.
func (s *Scheduler) Run(ctx context.Context) {
	for _, l := range s.loops {
		s.wg.Add(1)
		go func(l loop) {
			defer s.wg.Done()
			if l.forever {
				s.runForever(ctx, l)
				return
			}
			s.runTicker(ctx, l)
		}(l)
	}
	s.log.Info("scheduler started", zap.Strings("loops", s.Names()))
	<-ctx.Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runTicker(ctx context.Context, l loop) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		s.pass(ctx, l)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runForever(ctx context.Context, l loop) {
	for {
		s.pass(ctx, l)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval):
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, l loop) {
	start := time.Now()
	err := s.safeRun(ctx, l)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	s.metrics.ObserveLoop(l.name, time.Since(start), err)
	if err != nil {
		s.log.Warn("loop pass failed", zap.String("loop", l.name), zap.Error(err))
	}
}

func (s *Scheduler) safeRun(ctx context.Context, l loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.fn(ctx)
}
