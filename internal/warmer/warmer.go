// Package warmer pre-populates the response cache for queries that are
// likely to be asked soon. It runs on its own ticker, never overlaps with
// itself and backs off while live traffic is high.
package warmer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/cache"
	"github.com/physioclinic/ai-router/internal/metrics"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

var (
	ErrAlreadyRunning  = eris.New("warmer run already in progress")
	ErrUnknownStrategy = eris.New("unknown warming strategy")
)

type PatternSource interface {
	Snapshot(minFrequency int) []models.QueryPattern
}

// Resolver answers a query without consulting the cache.
type Resolver interface {
	Resolve(ctx context.Context, q models.Query) (*models.Response, error)
}

type LoadProbe interface {
	InFlight() int
}

type Config struct {
	TickInterval   time.Duration
	InterJobDelay  time.Duration
	JobTimeout     time.Duration
	YieldThreshold int
	HistorySize    int
	Strategies     []StrategyConfig
}

type Deps struct {
	Patterns PatternSource
	Resolver Resolver
	Cache    cache.Store
	Probe    LoadProbe
	Clock    clockwork.Clock
	Metrics  *metrics.Metrics
}

type RunReport struct {
	Strategy  string    `json:"strategy"`
	StartedAt time.Time `json:"startedAt"`
	Selected  int       `json:"selected"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Yielded   bool      `json:"yielded"`
}

type Stats struct {
	Running    bool                 `json:"running"`
	Completed  int64                `json:"completed"`
	Failed     int64                `json:"failed"`
	Skipped    int64                `json:"skipped"`
	LastRuns   map[string]time.Time `json:"lastRuns"`
	LastReport *RunReport           `json:"lastReport,omitempty"`
	RecentJobs []models.PreCacheJob `json:"recentJobs"`
}

type Warmer struct {
	cfg        Config
	deps       Deps
	clock      clockwork.Clock
	log        *zap.Logger
	strategies []*strategy

	running atomic.Bool

	mu         sync.Mutex
	history    []models.PreCacheJob
	completed  int64
	failed     int64
	skipped    int64
	lastReport *RunReport
}

func New(cfg Config, deps Deps) (*Warmer, error) {
	if deps.Patterns == nil || deps.Resolver == nil || deps.Cache == nil {
		return nil, eris.New("warmer requires patterns, resolver and cache")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 45 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 500
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies()
	}

	now := deps.Clock.Now()
	w := &Warmer{
		cfg:   cfg,
		deps:  deps,
		clock: deps.Clock,
		log:   logger.Named("warmer"),
	}
	seen := make(map[string]bool)
	for _, sc := range cfg.Strategies {
		if seen[sc.Name] {
			return nil, eris.Errorf("duplicate strategy %q", sc.Name)
		}
		seen[sc.Name] = true
		s, err := newStrategy(sc, now)
		if err != nil {
			return nil, err
		}
		w.strategies = append(w.strategies, s)
	}
	return w, nil
}

// Run ticks until ctx is done, running every strategy whose schedule has
// come due.
func (w *Warmer) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	w.log.Info("pre-cache warmer started",
		zap.Duration("tick", w.cfg.TickInterval),
		zap.Int("strategies", len(w.strategies)),
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("pre-cache warmer stopped")
			return
		case <-ticker.Chan():
			w.Tick(ctx)
		}
	}
}

// Tick runs the strategies that are due at the current clock time.
func (w *Warmer) Tick(ctx context.Context) {
	now := w.clock.Now()
	for _, s := range w.strategies {
		if ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		due := s.due(now)
		w.mu.Unlock()
		if !due {
			continue
		}
		if _, err := w.RunStrategy(ctx, s.Name); err != nil {
			if eris.Is(err, ErrAlreadyRunning) {
				return
			}
			w.log.Warn("warming strategy failed", zap.String("strategy", s.Name), zap.Error(err))
		}
	}
}

// RunStrategy executes one strategy immediately.
func (w *Warmer) RunStrategy(ctx context.Context, name string) (*RunReport, error) {
	s := w.strategy(name)
	if s == nil {
		return nil, eris.Wrap(ErrUnknownStrategy, name)
	}
	if !w.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer w.running.Store(false)

	now := w.clock.Now()
	w.mu.Lock()
	s.lastRun = now
	w.mu.Unlock()

	selected := s.selectPatterns(w.deps.Patterns.Snapshot(s.MinFrequency), now)
	jobs := w.buildJobs(s, selected, now)

	report := &RunReport{Strategy: s.Name, StartedAt: now, Selected: len(jobs)}
	for i := range jobs {
		if ctx.Err() != nil {
			break
		}
		if w.shouldYield() {
			report.Yielded = true
			w.log.Info("yielding to live traffic",
				zap.String("strategy", s.Name),
				zap.Int("remaining", len(jobs)-i),
			)
			break
		}
		if i > 0 && w.cfg.InterJobDelay > 0 {
			select {
			case <-ctx.Done():
			case <-w.clock.After(w.cfg.InterJobDelay):
			}
			if ctx.Err() != nil {
				break
			}
		}

		switch w.execute(ctx, &jobs[i]) {
		case models.JobCompleted:
			report.Completed++
		case models.JobFailed:
			report.Failed++
		case models.JobSkipped:
			report.Skipped++
		}
	}

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	w.log.Info("warming strategy finished",
		zap.String("strategy", s.Name),
		zap.Int("selected", report.Selected),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Bool("yielded", report.Yielded),
	)
	return report, nil
}

func (w *Warmer) buildJobs(s *strategy, selected []models.QueryPattern, now time.Time) []models.PreCacheJob {
	jobs := make([]models.PreCacheJob, 0, len(selected))
	freq := make(map[string]int, len(selected))
	for _, p := range selected {
		q := models.NewQuery(p.Sample.Text, p.Sample.Type, p.Sample.Context)
		jobs = append(jobs, models.PreCacheJob{
			ID:           uuid.New().String(),
			Strategy:     s.Name,
			Query:        q,
			QueryType:    q.Type,
			Priority:     Priority(p, now),
			ScheduledFor: now,
			Status:       models.JobPending,
		})
		freq[jobs[len(jobs)-1].ID] = p.Frequency
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return freq[jobs[i].ID] > freq[jobs[j].ID]
	})
	return jobs
}

func (w *Warmer) execute(ctx context.Context, job *models.PreCacheJob) models.JobStatus {
	key := job.Query.Fingerprint

	if existing, err := w.deps.Cache.Get(ctx, key, job.QueryType); err == nil && existing != nil {
		now := w.clock.Now()
		job.CompletedAt = &now
		job.Status = models.JobSkipped
		w.record(*job)
		w.deps.Metrics.WarmerJob(job.Strategy, string(job.Status))
		return job.Status
	}

	started := w.clock.Now()
	job.StartedAt = &started
	job.Status = models.JobRunning

	jctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	resp, err := w.deps.Resolver.Resolve(jctx, job.Query)
	cancel()

	if err == nil && resp == nil {
		err = eris.New("no response produced")
	}
	if err == nil {
		err = w.deps.Cache.Set(ctx, key, resp, job.QueryType)
	}

	done := w.clock.Now()
	job.CompletedAt = &done
	if err != nil {
		job.Status = models.JobFailed
		job.Error = err.Error()
		w.log.Warn("pre-cache job failed",
			zap.String("job_id", job.ID),
			zap.String("strategy", job.Strategy),
			zap.Error(err),
		)
	} else {
		job.Status = models.JobCompleted
	}

	w.record(*job)
	w.deps.Metrics.WarmerJob(job.Strategy, string(job.Status))
	return job.Status
}

func (w *Warmer) shouldYield() bool {
	if w.deps.Probe == nil || w.cfg.YieldThreshold <= 0 {
		return false
	}
	return w.deps.Probe.InFlight() > w.cfg.YieldThreshold
}

func (w *Warmer) record(job models.PreCacheJob) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch job.Status {
	case models.JobCompleted:
		w.completed++
	case models.JobSkipped:
		w.skipped++
	default:
		w.failed++
	}
	w.history = append(w.history, job)
	if over := len(w.history) - w.cfg.HistorySize; over > 0 {
		w.history = append([]models.PreCacheJob(nil), w.history[over:]...)
	}
}

func (w *Warmer) strategy(name string) *strategy {
	for _, s := range w.strategies {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (w *Warmer) Running() bool { return w.running.Load() }

func (w *Warmer) Strategies() []StrategyConfig {
	out := make([]StrategyConfig, 0, len(w.strategies))
	for _, s := range w.strategies {
		out = append(out, s.StrategyConfig)
	}
	return out
}

func (w *Warmer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	last := make(map[string]time.Time, len(w.strategies))
	for _, s := range w.strategies {
		last[s.Name] = s.lastRun
	}
	var report *RunReport
	if w.lastReport != nil {
		r := *w.lastReport
		report = &r
	}
	return Stats{
		Running:    w.running.Load(),
		Completed:  w.completed,
		Failed:     w.failed,
		Skipped:    w.skipped,
		LastRuns:   last,
		LastReport: report,
		RecentJobs: append([]models.PreCacheJob(nil), w.history...),
	}
}
