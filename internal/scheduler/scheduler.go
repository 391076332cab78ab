// Package scheduler runs the platform's recurring jobs on cron schedules.
//
// Jobs are registered as named functions and driven by a single UTC cron
// runner. A failing job logs and stays scheduled; it never stops the runner.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Well-known job names wired by the serve command.
const (
	JobRiskReport      = "reports.risk"
	JobDigest          = "reports.digest"
	JobAvailability    = "availability.tick"
	JobFeaturePurge    = "features.purge"
	JobReconcile       = "broker.reconcile"
	JobPrefetch        = "data.prefetch"
	JobProviderMetrics = "providers.metrics"
)

// Default schedules, all interpreted in UTC.
const (
	ScheduleRiskReport      = "0 21 * * *"
	ScheduleDigest          = "0 22 * * *"
	ScheduleAvailability    = "@every 5s"
	ScheduleFeaturePurge    = "@every 10m"
	ScheduleReconcile       = "@every 5m"
	SchedulePrefetch        = "@every 1m"
	ScheduleProviderMetrics = "@every 15m"
)

// JobFunc is the unit of scheduled work. The context is the scheduler's
// run context and is cancelled on shutdown.
type JobFunc func(ctx context.Context) error

// Job is a registered scheduled job.
type Job struct {
	Name        string `yaml:"name" json:"name"`
	Schedule    string `yaml:"schedule" json:"schedule"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`

	fn JobFunc
}

// JobResult records one job execution.
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// Status summarizes the runner for the runtime health endpoint.
type Status struct {
	Running      bool          `json:"running"`
	EnabledJobs  int           `json:"enabled_jobs"`
	DisabledJobs int           `json:"disabled_jobs"`
	NextRun      time.Time     `json:"next_run"`
	LastRun      time.Time     `json:"last_run"`
	Uptime       time.Duration `json:"uptime"`
}

// Override adjusts a registered job from scheduler.yaml.
type Override struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule,omitempty"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
}

// Config is the optional scheduler.yaml shape.
type Config struct {
	Jobs []Override `yaml:"jobs"`
}

// LoadConfig reads scheduler.yaml. A missing file yields an empty config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read scheduler config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse scheduler config: %w", err)
	}
	return cfg, nil
}

// Scheduler owns the cron runner and the job registry.
type Scheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	jobs      []*Job
	byName    map[string]*Job
	results   map[string]JobResult
	runCtx    context.Context
	running   bool
	startTime time.Time
	now       func() time.Time
}

func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		byName:  make(map[string]*Job),
		results: make(map[string]JobResult),
		now:     time.Now,
	}
}

// SetClock overrides the result timestamp source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Register adds a named job. Registration must happen before Start.
func (s *Scheduler) Register(name, schedule, description string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("scheduler: job name required")
	}
	if fn == nil {
		return fmt.Errorf("scheduler: job %s has no function", name)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("scheduler: job %s schedule %q: %w", name, schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byName[name]; dup {
		return fmt.Errorf("scheduler: job %s already registered", name)
	}
	job := &Job{Name: name, Schedule: schedule, Description: description, Enabled: true, fn: fn}
	s.jobs = append(s.jobs, job)
	s.byName[name] = job
	return nil
}

// ApplyConfig overlays scheduler.yaml overrides onto registered jobs.
// Overrides naming unknown jobs are logged and skipped.
func (s *Scheduler) ApplyConfig(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ov := range cfg.Jobs {
		job, ok := s.byName[ov.Name]
		if !ok {
			log.Warn().Str("job", ov.Name).Msg("scheduler override for unknown job")
			continue
		}
		if ov.Schedule != "" {
			if _, err := cron.ParseStandard(ov.Schedule); err != nil {
				return fmt.Errorf("scheduler: override %s schedule %q: %w", ov.Name, ov.Schedule, err)
			}
			job.Schedule = ov.Schedule
		}
		if ov.Enabled != nil {
			job.Enabled = *ov.Enabled
		}
	}
	return nil
}

// Start schedules all enabled jobs and begins the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler: already running")
	}
	s.runCtx = ctx
	enabled := 0
	for _, job := range s.jobs {
		if !job.Enabled {
			log.Debug().Str("job", job.Name).Msg("scheduled job disabled")
			continue
		}
		j := job
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.execute(s.runCtx, j) }); err != nil {
			return fmt.Errorf("scheduler: add %s: %w", job.Name, err)
		}
		enabled++
	}
	s.cron.Start()
	s.running = true
	s.startTime = s.now()
	log.Info().Int("jobs", enabled).Msg("scheduler started")
	return nil
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
}

// RunJob executes a job immediately, enabled or not.
func (s *Scheduler) RunJob(ctx context.Context, name string) (*JobResult, error) {
	s.mu.Lock()
	job, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job not found: %s", name)
	}
	res := s.execute(ctx, job)
	return &res, nil
}

// ListJobs returns the registered jobs in registration order.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Results returns the last result per executed job.
func (s *Scheduler) Results() map[string]JobResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobResult, len(s.results))
	for name, res := range s.results {
		out[name] = res
	}
	return out
}

// Status reports the runner state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running}
	for _, job := range s.jobs {
		if job.Enabled {
			st.EnabledJobs++
		} else {
			st.DisabledJobs++
		}
	}
	for _, res := range s.results {
		if res.EndTime.After(st.LastRun) {
			st.LastRun = res.EndTime
		}
	}
	if s.running {
		st.Uptime = s.now().Sub(s.startTime)
		for _, entry := range s.cron.Entries() {
			if st.NextRun.IsZero() || entry.Next.Before(st.NextRun) {
				st.NextRun = entry.Next
			}
		}
	}
	return st
}

func (s *Scheduler) execute(ctx context.Context, job *Job) JobResult {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.now()
	res := JobResult{JobName: job.Name, StartTime: start}

	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Error = fmt.Sprintf("panic: %v", r)
			}
		}()
		if err := job.fn(ctx); err != nil {
			res.Error = err.Error()
		}
	}()

	res.EndTime = s.now()
	res.Duration = res.EndTime.Sub(res.StartTime)
	res.Success = res.Error == ""

	s.mu.Lock()
	s.results[job.Name] = res
	s.mu.Unlock()

	if res.Success {
		log.Debug().Str("job", job.Name).Dur("duration", res.Duration).Msg("scheduled job completed")
	} else {
		log.Error().Str("job", job.Name).Str("error", res.Error).Dur("duration", res.Duration).
			Msg("scheduled job failed")
	}
	return res
}
