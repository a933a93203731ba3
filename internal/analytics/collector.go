// Package analytics keeps one usage record per resolved query and derives
// metrics, savings reports, trends and insights from them.
package analytics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

var ErrInvalidPeriod = eris.New("invalid report period")

// DefaultRetention covers the longest report period with a day to spare.
const DefaultRetention = 31 * 24 * time.Hour

// Persister stores usage records durably. The SQLite client implements it.
type Persister interface {
	InsertUsageRecord(ctx context.Context, r models.UsageRecord) error
}

// historyReader is implemented by persisters that can serve windows older
// than what is held in memory.
type historyReader interface {
	ListUsageRecords(ctx context.Context, from, to time.Time) ([]models.UsageRecord, error)
}

type Options struct {
	Clock clockwork.Clock
	// Retention is how long records stay in memory. Older windows are read
	// back from the persister.
	Retention      time.Duration
	Persister      Persister
	PersistTimeout time.Duration
	QueueSize      int
}

type Collector struct {
	mu      sync.RWMutex
	records []models.UsageRecord
	// horizon is the earliest time from which records holds every record.
	horizon   time.Time
	retention time.Duration

	clock          clockwork.Clock
	persister      Persister
	history        historyReader
	persistTimeout time.Duration
	queue          chan models.UsageRecord
	dropped        atomic.Int64
	log            *zap.Logger
}

func NewCollector(opts Options) *Collector {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	c := &Collector{
		horizon:        opts.Clock.Now(),
		retention:      opts.Retention,
		clock:          opts.Clock,
		persister:      opts.Persister,
		persistTimeout: opts.PersistTimeout,
		log:            logger.Named("analytics"),
	}
	if opts.Persister != nil {
		c.queue = make(chan models.UsageRecord, opts.QueueSize)
		c.history, _ = opts.Persister.(historyReader)
	}
	return c
}

// Record stores r in memory and queues it for the persister. It never
// blocks on storage; Run performs the writes.
func (c *Collector) Record(_ context.Context, r models.UsageRecord) {
	if r.Timestamp.IsZero() {
		r.Timestamp = c.clock.Now()
	}

	c.mu.Lock()
	c.records = append(c.records, r)
	c.pruneLocked(c.clock.Now())
	c.mu.Unlock()

	if c.queue == nil {
		return
	}
	select {
	case c.queue <- r:
	default:
		if n := c.dropped.Add(1); n%100 == 1 {
			c.log.Warn("usage persistence queue full, dropping records", zap.Int64("dropped", n))
		}
	}
}

// Dropped is the number of records that were never handed to the persister.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

// Run writes queued records to the persister until ctx is done, then
// flushes what is buffered. Persistence failures are logged.
func (c *Collector) Run(ctx context.Context) {
	if c.queue == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case r := <-c.queue:
			c.persist(r)
		case <-ctx.Done():
			for {
				select {
				case r := <-c.queue:
					c.persist(r)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) persist(r models.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()
	if err := c.persister.InsertUsageRecord(ctx, r); err != nil {
		c.log.Warn("failed to persist usage record",
			zap.String("query_id", r.QueryID),
			zap.Error(err),
		)
	}
}

// pruneLocked drops records older than the retention window and moves the
// horizon up accordingly. Records arrive in time order, so only the front
// is inspected.
func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.retention)
	i := 0
	for i < len(c.records) && c.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.records = c.records[i:]
	}
	if c.horizon.Before(cutoff) {
		c.horizon = cutoff
	}
}

// Load seeds memory with persisted records, typically at startup. since is
// the start of the window the records cover completely.
func (c *Collector) Load(since time.Time, records []models.UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = append(c.records, records...)
	sort.SliceStable(c.records, func(i, j int) bool {
		return c.records[i].Timestamp.Before(c.records[j].Timestamp)
	})
	if since.Before(c.horizon) {
		c.horizon = since
	}
	c.pruneLocked(c.clock.Now())
}

func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Records returns the records with from <= Timestamp < to. A zero bound is
// open. The part of the window before the in-memory horizon is read from
// the persister when it supports it.
func (c *Collector) Records(from, to time.Time) []models.UsageRecord {
	c.mu.RLock()
	horizon := c.horizon
	memFrom := from
	if c.history != nil && memFrom.Before(horizon) {
		memFrom = horizon
	}
	var recent []models.UsageRecord
	for _, r := range c.records {
		if inWindow(r.Timestamp, memFrom, to) {
			recent = append(recent, r)
		}
	}
	c.mu.RUnlock()

	if c.history == nil || !from.Before(horizon) {
		return recent
	}
	upper := horizon
	if !to.IsZero() && to.Before(upper) {
		upper = to
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()
	older, err := c.history.ListUsageRecords(ctx, from, upper)
	if err != nil {
		c.log.Warn("failed to read persisted usage records",
			zap.Time("from", from),
			zap.Time("to", upper),
			zap.Error(err),
		)
		return recent
	}
	return append(older, recent...)
}

func (c *Collector) Metrics(from, to time.Time) Metrics {
	return Aggregate(c.Records(from, to), from, to)
}

// SavingsReport covers the window of the given period ending now.
func (c *Collector) SavingsReport(period Period) (SavingsReport, error) {
	d, err := period.Duration()
	if err != nil {
		return SavingsReport{}, err
	}
	to := c.clock.Now()
	from := to.Add(-d)
	// open upper bound so records stamped at exactly now are included
	m := Aggregate(c.Records(from, time.Time{}), from, to)

	report := SavingsReport{
		Period:                    period,
		From:                      from,
		To:                        to,
		TotalQueries:              m.TotalQueries,
		QueriesAnsweredInternally: m.BySource[models.SourceInternal],
		QueriesFromCache:          m.BySource[models.SourceCache],
		PremiumQueries:            m.BySource[models.SourcePremium],
		EstimatedAPICostSaved:     m.EstimatedCostSaved,
		ActualCost:                m.ActualCost,
		PremiumUsageByProvider:    m.PremiumByProvider,
		CacheHitRate:              m.CacheHitRate,
	}
	if total := m.EstimatedCostSaved + m.ActualCost; total > 0 {
		report.SavingsRate = m.EstimatedCostSaved / total
	}
	return report, nil
}

func (c *Collector) TopQueries(n int, from, to time.Time) []TopQuery {
	return topQueries(c.Records(from, to), n)
}

func (c *Collector) PerformanceTrends(from, to time.Time, bucket time.Duration) ([]TrendPoint, error) {
	if bucket <= 0 {
		return nil, eris.New("bucket must be positive")
	}
	if to.IsZero() {
		to = c.clock.Now()
	}
	if from.IsZero() || !from.Before(to) {
		return nil, eris.New("trend window requires from < to")
	}
	return trends(c.Records(from, to), from, to, bucket), nil
}

func inWindow(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}
