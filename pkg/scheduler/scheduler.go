// Package scheduler drives periodic snapshot builds: a single in-process
// ticker fires the configured build function every interval, with an
// immediate asynchronous run at startup. At most one build runs at a time —
// the way main.go's HealthStatus tracks component state under a single
// mutex, this package tracks "is a build running" as a guarded boolean and
// never lets a second tick queue up behind it.
package scheduler

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
)

// BuildFunc runs one build-and-sync cycle and reports its outcome.
type BuildFunc func() Attempt

// Attempt is the outcome of a single build, recorded for health exposure.
type Attempt struct {
	Timestamp      time.Time
	Success        bool
	RootHash       string
	FilesProcessed int
	BuildTime      time.Duration
	Written        bool
	Error          string
}

// Status is a point-in-time snapshot of scheduler state.
type Status struct {
	Running         bool
	BuildInProgress bool
	IntervalMinutes int
	LastAttempt     *Attempt
	TickCount       int64
	DroppedTicks    int64
}

// Scheduler runs BuildFunc on a fixed interval with single-flight semantics.
type Scheduler struct {
	interval time.Duration
	build    BuildFunc
	logger   *log.Logger

	mu              sync.Mutex
	running         bool
	buildInProgress bool
	lastAttempt     *Attempt
	tickCount       int64
	droppedTicks    int64

	stop chan struct{}
	done chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger for the scheduler.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler that invokes build every intervalMinutes minutes.
func New(intervalMinutes int, build BuildFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval: time.Duration(intervalMinutes) * time.Minute,
		build:    build,
		logger:   log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the periodic tick loop. An immediate build is issued
// asynchronously so Start never blocks on the first run.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop()
	go s.attemptBuild()
}

func (s *Scheduler) runLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.tickCount++
			busy := s.buildInProgress
			if busy {
				s.droppedTicks++
			}
			s.mu.Unlock()

			if busy {
				s.logger.Printf("tick dropped: a build is already in progress")
				continue
			}
			go s.attemptBuild()
		case <-s.stop:
			return
		}
	}
}

// attemptBuild runs one build under the single-flight guard, returning
// without building if a build is already in progress. Trigger does not go
// through attemptBuild; it takes the same guard itself via tryAcquire.
func (s *Scheduler) attemptBuild() {
	if !s.tryAcquire() {
		return
	}
	defer s.release()

	attempt := s.build()
	s.mu.Lock()
	s.lastAttempt = &attempt
	s.mu.Unlock()

	if attempt.Success {
		s.logger.Printf("build completed: root=%s files=%d written=%v in %s",
			attempt.RootHash, attempt.FilesProcessed, attempt.Written, attempt.BuildTime)
	} else {
		s.logger.Printf("build failed: %s", attempt.Error)
	}
}

func (s *Scheduler) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buildInProgress {
		return false
	}
	s.buildInProgress = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.buildInProgress = false
	s.mu.Unlock()
}

// Trigger runs a build immediately, outside the tick cadence, failing fast
// with a Busy error if a build is already in progress. It blocks until the
// triggered build completes so the HTTP caller can return its outcome.
func (s *Scheduler) Trigger() (Attempt, error) {
	if !s.tryAcquire() {
		return Attempt{}, apperr.New(apperr.KindBusy, "scheduler.Trigger", fmt.Errorf("a build is already in progress"))
	}
	defer s.release()

	attempt := s.build()
	s.mu.Lock()
	s.lastAttempt = &attempt
	s.mu.Unlock()

	return attempt, nil
}

// Stop issues a stop signal: no new ticks will be scheduled, but an
// in-flight build is allowed to finish on its own. Stop does not block on
// that completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.stop
	s.mu.Unlock()

	close(stop)
}

// Status returns a snapshot of scheduler state for health reporting.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:         s.running,
		BuildInProgress: s.buildInProgress,
		IntervalMinutes: int(s.interval / time.Minute),
		LastAttempt:     s.lastAttempt,
		TickCount:       s.tickCount,
		DroppedTicks:    s.droppedTicks,
	}
}

// Healthy reports whether the scheduler is running and has attempted a
// build recently enough: unhealthy if not running, or if the time since the
// last attempt exceeds 1.5x the interval.
func (s *Scheduler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	if s.lastAttempt == nil {
		return true
	}
	return time.Since(s.lastAttempt.Timestamp) <= (s.interval*3)/2
}

// CronExpression renders a display-only human description of the scan
// interval: 1 minute reads "every minute"; 2..59 reads "every N minutes";
// an interval that is a whole number of hours (>=60 and divisible by 60)
// reads "every hour" for 60 and "every K hours" above that; anything else falls back to "every N minutes".
func CronExpression(intervalMinutes int) string {
	switch {
	case intervalMinutes == 1:
		return "every minute"
	case intervalMinutes >= 60 && intervalMinutes%60 == 0:
		hours := intervalMinutes / 60
		if hours == 1 {
			return "every hour"
		}
		return fmt.Sprintf("every %d hours", hours)
	default:
		return fmt.Sprintf("every %d minutes", intervalMinutes)
	}
}
