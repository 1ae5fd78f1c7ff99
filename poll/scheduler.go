package poll

import (
	"context"
	"errors"
	"fmt"
	"forumwatch/pkg/notifier"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultInterval is used for forums configured without an interval.
const DefaultInterval = 60 * time.Second

// DefaultRescan is how often the scheduler re-reads the forum configuration.
const DefaultRescan = 30 * time.Second

// Forums supplies the current forum configuration. Forum is called at the start of
// every cycle, and both methods are polled every rescan period, so added or re-enabled
// forums start and interval edits take effect without a restart.
type Forums interface {
	Forums() []*notifier.Forum
	Forum(id string) (*notifier.Forum, bool)
}

// Cycler runs a cycle or a credential probe for one forum.
type Cycler interface {
	RunCycle(ctx context.Context, forum *notifier.Forum) (*Report, error)
	Probe(ctx context.Context, forum *notifier.Forum) error
}

// Scheduler runs one loop per enabled forum. Cycles of one forum never overlap.
type Scheduler struct {
	cycler Cycler
	forums Forums
	logger *slog.Logger
	rescan time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(cycler Cycler, forums Forums, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cycler:  cycler,
		forums:  forums,
		logger:  logger,
		rescan:  DefaultRescan,
		locks:   make(map[string]*sync.Mutex),
		running: make(map[string]bool),
	}
}

// Start launches a loop for every enabled forum and returns immediately.
// Each loop runs its first cycle right away.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.reconcile(ctx)

	s.wg.Add(1)
	go s.watch(ctx)
}

// Stop cancels every loop and waits for in-flight posts to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) watch(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile starts a loop for every enabled forum that has none.
func (s *Scheduler) reconcile(ctx context.Context) {
	for _, forum := range s.forums.Forums() {
		if !forum.Enabled {
			continue
		}
		s.mu.Lock()
		if s.running[forum.ID] || ctx.Err() != nil {
			s.mu.Unlock()
			continue
		}
		s.running[forum.ID] = true
		s.wg.Add(1)
		s.mu.Unlock()
		go s.loop(ctx, forum)
	}
}

func intervalOf(forum *notifier.Forum) time.Duration {
	if forum.Interval <= 0 {
		return DefaultInterval
	}
	return forum.Interval
}

func probeIntervalOf(forum *notifier.Forum) time.Duration {
	if forum.Mode != notifier.ModeAPI {
		return 0
	}
	return forum.ProbeInterval
}

// loop polls one forum until ctx ends or the forum is removed or disabled.
func (s *Scheduler) loop(ctx context.Context, forum *notifier.Forum) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, forum.ID)
		s.mu.Unlock()
	}()

	interval := intervalOf(forum)
	probeEvery := probeIntervalOf(forum)
	s.logger.Info("Scheduling forum",
		"forum", forum.ID,
		"mode", forum.Mode,
		"interval", interval.String(),
		"probe_interval", probeEvery.String())

	s.run(ctx, forum.ID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	check := time.NewTicker(s.rescan)
	defer check.Stop()

	var probeTicker *time.Ticker
	var probe <-chan time.Time
	setProbe := func(d time.Duration) {
		if probeTicker != nil {
			probeTicker.Stop()
			probeTicker, probe = nil, nil
		}
		if d > 0 {
			probeTicker = time.NewTicker(d)
			probe = probeTicker.C
		}
	}
	setProbe(probeEvery)
	defer setProbe(0)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Forum loop stopped", "forum", forum.ID)
			return
		case <-ticker.C:
			s.run(ctx, forum.ID)
		case <-probe:
			s.probe(ctx, forum.ID)
		case <-check.C:
			cur, ok := s.forums.Forum(forum.ID)
			if !ok || !cur.Enabled {
				s.logger.Info("Forum removed or disabled, stopping loop", "forum", forum.ID)
				return
			}
			if d := intervalOf(cur); d != interval {
				s.logger.Info("Forum interval changed", "forum", forum.ID, "from", interval.String(), "to", d.String())
				interval = d
				ticker.Reset(d)
			}
			if d := probeIntervalOf(cur); d != probeEvery {
				probeEvery = d
				setProbe(d)
			}
		}
	}
}

func (s *Scheduler) lock(forumID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[forumID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[forumID] = l
	}
	return l
}

// run performs one cycle unless the forum is busy or disabled. It never panics.
func (s *Scheduler) run(ctx context.Context, forumID string) (report *Report) {
	l := s.lock(forumID)
	if !l.TryLock() {
		s.logger.Info("Previous cycle still running, skipping", "forum", forumID)
		return &Report{ForumID: forumID, Skipped: true}
	}
	defer l.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Cycle panicked",
				"forum", forumID,
				"panic", r,
				"stack", string(debug.Stack()))
			report = &Report{ForumID: forumID, Error: fmt.Sprint("panic: ", r)}
		}
	}()

	forum, ok := s.forums.Forum(forumID)
	if !ok || !forum.Enabled {
		s.logger.Info("Forum removed or disabled, skipping cycle", "forum", forumID)
		return &Report{ForumID: forumID, Skipped: true}
	}

	report, err := s.cycler.RunCycle(ctx, forum)
	if report == nil {
		report = &Report{ForumID: forumID}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Cycle failed", "forum", forumID, "error", err)
		report.Error = err.Error()
	}
	return report
}

func (s *Scheduler) probe(ctx context.Context, forumID string) {
	l := s.lock(forumID)
	if !l.TryLock() {
		return
	}
	defer l.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Probe panicked", "forum", forumID, "panic", r)
		}
	}()

	forum, ok := s.forums.Forum(forumID)
	if !ok || !forum.Enabled {
		return
	}
	if err := s.cycler.Probe(ctx, forum); err != nil {
		s.logger.Error("Probe failed", "forum", forumID, "error", err)
	}
}

// CheckAll runs one cycle for every enabled forum, sequentially, and returns the reports.
// Forums with a cycle already in progress are reported as skipped.
func (s *Scheduler) CheckAll(ctx context.Context) []*Report {
	var reports []*Report
	for _, forum := range s.forums.Forums() {
		if !forum.Enabled {
			continue
		}
		reports = append(reports, s.run(ctx, forum.ID))
	}
	return reports
}
