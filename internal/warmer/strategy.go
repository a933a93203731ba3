package warmer

import (
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

type Selector string

const (
	SelectTopFrequency   Selector = "top_frequency"
	SelectTimeOfDay      Selector = "time_of_day"
	SelectRecentActivity Selector = "recent_activity"
	SelectTrending       Selector = "trending"
)

const (
	recentWindow   = 7 * 24 * time.Hour
	trendingWindow = time.Hour
)

type StrategyConfig struct {
	Name         string
	Schedule     string
	Selector     Selector
	MaxQueries   int
	MinFrequency int
}

func DefaultStrategies() []StrategyConfig {
	return []StrategyConfig{
		{Name: "popular", Schedule: "0 */6 * * *", Selector: SelectTopFrequency, MaxQueries: 20, MinFrequency: 3},
		{Name: "peak_hours", Schedule: "0 7,13 * * 1-5", Selector: SelectTimeOfDay, MaxQueries: 15, MinFrequency: 2},
		{Name: "overnight", Schedule: "0 2 * * *", Selector: SelectRecentActivity, MaxQueries: 50, MinFrequency: 1},
		{Name: "trending", Schedule: "*/30 * * * *", Selector: SelectTrending, MaxQueries: 5, MinFrequency: 2},
	}
}

type strategy struct {
	StrategyConfig
	schedule cron.Schedule
	lastRun  time.Time
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func newStrategy(cfg StrategyConfig, now time.Time) (*strategy, error) {
	if cfg.Name == "" {
		return nil, eris.New("strategy name is required")
	}
	switch cfg.Selector {
	case SelectTopFrequency, SelectTimeOfDay, SelectRecentActivity, SelectTrending:
	default:
		return nil, eris.Errorf("strategy %s: unknown selector %q", cfg.Name, cfg.Selector)
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, eris.Wrapf(err, "strategy %s: invalid schedule %q", cfg.Name, cfg.Schedule)
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 10
	}
	if cfg.MinFrequency <= 0 {
		cfg.MinFrequency = 1
	}
	return &strategy{StrategyConfig: cfg, schedule: sched, lastRun: now}, nil
}

func (s *strategy) due(now time.Time) bool {
	return !s.schedule.Next(s.lastRun).After(now)
}

// selectPatterns filters a frequency-sorted snapshot for this strategy.
func (s *strategy) selectPatterns(snapshot []models.QueryPattern, now time.Time) []models.QueryPattern {
	var out []models.QueryPattern
	for _, p := range snapshot {
		if p.Frequency < s.MinFrequency {
			continue
		}
		if !s.matches(p, now) {
			continue
		}
		out = append(out, p)
		if len(out) >= s.MaxQueries {
			break
		}
	}
	return out
}

func (s *strategy) matches(p models.QueryPattern, now time.Time) bool {
	switch s.Selector {
	case SelectTimeOfDay:
		return p.TimeOfDay[now.Hour()] || p.TimeOfDay[(now.Hour()+1)%24]
	case SelectRecentActivity:
		return now.Sub(p.LastUsed) <= recentWindow
	case SelectTrending:
		return now.Sub(p.LastUsed) <= trendingWindow
	}
	return true
}

// Priority scores a pattern from 1 (lowest) to 5 using frequency, recency
// and how many different roles ask it.
func Priority(p models.QueryPattern, now time.Time) int {
	score := 1.0
	switch {
	case p.Frequency >= 20:
		score += 2
	case p.Frequency >= 10:
		score += 1.5
	case p.Frequency >= 5:
		score++
	}

	switch age := now.Sub(p.LastUsed); {
	case age <= 24*time.Hour:
		score++
	case age <= recentWindow:
		score += 0.5
	}

	switch roles := len(p.UserRoles); {
	case roles >= 3:
		score++
	case roles == 2:
		score += 0.5
	}

	prio := int(math.Round(score))
	if prio < 1 {
		return 1
	}
	if prio > 5 {
		return 5
	}
	return prio
}
