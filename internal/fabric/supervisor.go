package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	cerr "github.com/sensocto/sensocto-go/internal/errors"
	"github.com/sensocto/sensocto-go/internal/telemetry"
)

const (
	// RestartBudget is the number of crashes tolerated per window before the
	// supervisor drops the entity.
	RestartBudget = 3
	// RestartWindow is the sliding window the budget applies to.
	RestartWindow = 60 * time.Second
	// ShutdownGrace bounds graceful drain before forced termination.
	ShutdownGrace = 5 * time.Second
)

// Worker is a long-running supervised task. Run blocks until ctx cancels or
// the worker fails; a nil return means clean exit and no restart.
type Worker func(ctx context.Context) error

// Supervisor restarts a single worker within the restart budget, then
// escalates by dropping the entity and reporting the storm.
type Supervisor struct {
	name    string
	domain  string
	worker  Worker
	onDrop  func(err error)
	cancel  context.CancelFunc
	done    chan struct{}
	crashMu sync.Mutex
	crashes []time.Time
}

// Supervise starts worker under a fresh supervisor. onDrop fires at most once,
// after the restart budget is exhausted; a nil onDrop only logs.
func Supervise(ctx context.Context, name, domain string, worker Worker, onDrop func(err error)) *Supervisor {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		name:   name,
		domain: domain,
		worker: worker,
		onDrop: onDrop,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop(runCtx)
	return s
}

// Stop requests graceful shutdown and waits up to the grace budget.
func (s *Supervisor) Stop() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(ShutdownGrace):
		log.Warn().Str("worker", s.name).Msg("Worker exceeded shutdown grace")
	}
}

// Done closes when the supervision loop has fully exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean exit: the worker decided it was finished.
			return
		}

		if !s.recordCrash() {
			storm := cerr.RestartStorm(s.name, RestartBudget, RestartWindow)
			log.Error().Err(storm).Str("worker", s.name).Str("domain", s.domain).
				Msg("Restart budget exhausted, dropping entity")
			telemetry.Get().RecordRestartStorm()
			if s.onDrop != nil {
				s.onDrop(storm)
			}
			return
		}

		log.Warn().Err(err).Str("worker", s.name).Str("domain", s.domain).
			Msg("Worker crashed, restarting")
		telemetry.Get().RecordWorkerRestart(s.domain)
	}
}

// runOnce executes the worker, converting panics into WorkerCrash faults so
// one bad measurement can never take the node down.
func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cerr.New(cerr.CodeWorkerCrash, s.name, fmt.Errorf("panic: %v", r))
		}
	}()
	return s.worker(ctx)
}

// recordCrash appends a crash timestamp and reports whether the budget still
// allows a restart.
func (s *Supervisor) recordCrash() bool {
	s.crashMu.Lock()
	defer s.crashMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RestartWindow)
	kept := s.crashes[:0]
	for _, t := range s.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.crashes = append(kept, now)
	return len(s.crashes) < RestartBudget
}
