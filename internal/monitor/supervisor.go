package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/newsletter-threader/internal/logging"
)

// Loop is a long-running task that returns when its context is cancelled.
type Loop interface {
	Run(ctx context.Context) error
}

// Supervisor runs named loops and can stop them one by one.
type Supervisor struct {
	log *zap.Logger
	g   errgroup.Group

	mu      sync.RWMutex
	runners map[string]*runner
}

type runner struct {
	cancel context.CancelFunc
}

func NewSupervisor(log *zap.Logger) *Supervisor {
	return &Supervisor{
		log:     logging.Named(log, "supervisor"),
		runners: make(map[string]*runner),
	}
}

// Start runs loop under name until it returns, ctx is cancelled or Stop
// is called.
func (s *Supervisor) Start(ctx context.Context, name string, loop Loop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[name]; exists {
		return fmt.Errorf("loop %s already running", name)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r := &runner{cancel: cancel}
	s.runners[name] = r

	s.g.Go(func() error {
		defer cancel()
		s.log.Info("loop start", zap.String("loop", name))

		err := loop.Run(loopCtx)
		if err != nil {
			s.log.Error("loop exited", zap.String("loop", name), zap.Error(err))
		} else {
			s.log.Info("loop stop", zap.String("loop", name))
		}

		s.mu.Lock()
		if s.runners[name] == r {
			delete(s.runners, name)
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("loop %s: %w", name, err)
		}
		return nil
	})
	return nil
}

// Stop cancels the named loop. It does not wait for it to return.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runners[name]
	if !exists {
		return fmt.Errorf("no loop running named %s", name)
	}
	r.cancel()
	delete(s.runners, name)
	return nil
}

func (s *Supervisor) IsRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.runners[name]
	return exists
}

// Running returns the names of running loops, sorted.
func (s *Supervisor) Running() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, r := range s.runners {
		s.log.Info("stopping loop", zap.String("loop", name))
		r.cancel()
	}
	s.runners = make(map[string]*runner)
}

// Wait blocks until every started loop has returned and reports the first
// loop error.
func (s *Supervisor) Wait() error {
	return s.g.Wait()
}
