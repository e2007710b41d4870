// Package maintenance runs the gateway's periodic background jobs.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/media"
	"github.com/geminibiz/gateway/internal/session"
)

// Job names.
const (
	JobSessionCleanup = "session_cleanup"
	JobStoreSync      = "store_sync"
	JobAccountReload  = "account_reload"
	JobMediaCleanup   = "media_cleanup"
)

const (
	sessionCleanupSchedule = "@every 5m"
	storeSyncSchedule      = "@every 1m"
	mediaCleanupSchedule   = "@every 1h"
	// jobTimeout bounds jobs that talk to the store.
	jobTimeout            = 30 * time.Second
	defaultAffinityMaxAge = time.Hour
)

// JobStatus describes one scheduled job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run"`
	RunCount  int       `json:"run_count"`
	LastError string    `json:"last_error,omitempty"`
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
	entry    cron.EntryID

	mu        sync.Mutex
	lastRun   time.Time
	runCount  int
	lastError string
}

// Scheduler owns the cron instance and the registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures the scheduler. Jobs whose dependencies are missing are
// not registered.
type Options struct {
	Pool     *account.Pool
	Sessions *session.Registry
	// StoreEnabled registers the store sync and account reload jobs.
	StoreEnabled bool
	// ReloadInterval is the account reload period. Zero disables the job.
	ReloadInterval time.Duration
	// AffinityMaxAge prunes conversation affinity entries idle for longer.
	AffinityMaxAge time.Duration

	// Media is optional.
	Media         *media.Store
	ImageCacheTTL time.Duration
	VideoCacheTTL time.Duration

	// Environ supplies the reload fallback. Defaults to os.Environ.
	Environ func() []string
	Logger  *slog.Logger
}

// New creates a scheduler with every applicable job registered. It does not
// start running them.
func New(opts Options) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger: logger,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}

	if opts.Sessions != nil && opts.Pool != nil {
		maxAge := opts.AffinityMaxAge
		if maxAge <= 0 {
			maxAge = defaultAffinityMaxAge
		}
		if err := s.add(JobSessionCleanup, sessionCleanupSchedule, func(context.Context) error {
			expired := opts.Sessions.CleanupExpired()
			pruned := opts.Pool.ClearOldSessions(maxAge)
			if expired > 0 || pruned > 0 {
				logger.Info("session cleanup", "expired_sessions", expired, "pruned_affinity", pruned)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if opts.StoreEnabled && opts.Pool != nil {
		if err := s.add(JobStoreSync, storeSyncSchedule, opts.Pool.SyncToStore); err != nil {
			return nil, err
		}
		if opts.ReloadInterval > 0 {
			schedule := fmt.Sprintf("@every %s", opts.ReloadInterval)
			if err := s.add(JobAccountReload, schedule, func(ctx context.Context) error {
				n, err := opts.Pool.Reload(ctx, environ())
				logger.Debug("accounts reloaded", "count", n)
				return err
			}); err != nil {
				return nil, err
			}
		}
	}

	if opts.Media != nil {
		ttls := map[media.Kind]time.Duration{
			media.KindImage: opts.ImageCacheTTL,
			media.KindVideo: opts.VideoCacheTTL,
		}
		if err := s.add(JobMediaCleanup, mediaCleanupSchedule, func(context.Context) error {
			var firstErr error
			for _, kind := range []media.Kind{media.KindImage, media.KindVideo} {
				if ttls[kind] <= 0 {
					continue
				}
				if _, err := opts.Media.Cleanup(kind, ttls[kind]); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) add(name, schedule string, run func(ctx context.Context) error) error {
	j := &job{name: name, schedule: schedule, run: run}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

func (s *Scheduler) execute(j *job) {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := j.run(ctx)

	j.mu.Lock()
	j.lastRun = start
	j.runCount++
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		s.logger.Warn("maintenance job failed", "job", j.name, "error", err)
		return
	}
	s.logger.Debug("maintenance job completed", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
}

// Start runs the jobs on their schedules in the background.
func (s *Scheduler) Start() {
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("maintenance jobs still running at shutdown")
	}
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	s.execute(j)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastError != "" {
		return fmt.Errorf("%s: %s", name, j.lastError)
	}
	return nil
}

// Jobs returns the status of every registered job, ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	if s == nil {
		return nil
	}
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, JobStatus{
			Name:      j.name,
			Schedule:  j.schedule,
			NextRun:   s.cron.Entry(j.entry).Next,
			LastRun:   j.lastRun,
			RunCount:  j.runCount,
			LastError: j.lastError,
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
