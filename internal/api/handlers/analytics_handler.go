package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"

	"github.com/physioclinic/ai-router/internal/analytics"
)

const (
	defaultTopQueries = 10
	maxTopQueries     = 100
	defaultBucket     = time.Hour
)

type AnalyticsService interface {
	Metrics(from, to time.Time) analytics.Metrics
	TopQueries(n int, from, to time.Time) []analytics.TopQuery
	PerformanceTrends(from, to time.Time, bucket time.Duration) ([]analytics.TrendPoint, error)
}

type AnalyticsHandler struct {
	service AnalyticsService
	clock   clockwork.Clock
}

func NewAnalyticsHandler(service AnalyticsService, clock clockwork.Clock) *AnalyticsHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AnalyticsHandler{service: service, clock: clock}
}

func (h *AnalyticsHandler) GetMetrics(c *fiber.Ctx) error {
	from, to, err := h.window(c)
	if err != nil {
		return badWindow(c, err)
	}
	return c.JSON(h.service.Metrics(from, to))
}

func (h *AnalyticsHandler) GetTopQueries(c *fiber.Ctx) error {
	from, to, err := h.window(c)
	if err != nil {
		return badWindow(c, err)
	}
	n := c.QueryInt("limit", defaultTopQueries)
	if n <= 0 || n > maxTopQueries {
		n = defaultTopQueries
	}
	return c.JSON(fiber.Map{
		"from":    from,
		"to":      to,
		"queries": h.service.TopQueries(n, from, to),
	})
}

func (h *AnalyticsHandler) GetTrends(c *fiber.Ctx) error {
	from, to, err := h.window(c)
	if err != nil {
		return badWindow(c, err)
	}

	bucket := defaultBucket
	if raw := c.Query("bucket"); raw != "" {
		bucket, err = time.ParseDuration(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "bucket must be a duration such as 15m or 1h",
				"field": "bucket",
			})
		}
	}

	points, err := h.service.PerformanceTrends(from, to, bucket)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"bucket": bucket.String(),
		"points": points,
	})
}

func (h *AnalyticsHandler) GetInsights(c *fiber.Ctx) error {
	from, to, err := h.window(c)
	if err != nil {
		return badWindow(c, err)
	}
	m := h.service.Metrics(from, to)
	insights := analytics.Insights(m)
	if insights == nil {
		insights = []analytics.Insight{}
	}
	return c.JSON(fiber.Map{
		"from":         from,
		"to":           to,
		"totalQueries": m.TotalQueries,
		"insights":     insights,
	})
}

// window resolves ?period=day|week|month, or explicit RFC 3339 from/to.
// With neither, the last month is used.
func (h *AnalyticsHandler) window(c *fiber.Ctx) (time.Time, time.Time, error) {
	now := h.clock.Now()
	rawFrom, rawTo := c.Query("from"), c.Query("to")

	if rawFrom == "" && rawTo == "" {
		period, err := analytics.ParsePeriod(c.Query("period"))
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		d, err := period.Duration()
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		// One extra second so records stamped at now fall inside the
		// half-open window.
		return now.Add(-d), now.Add(time.Second), nil
	}

	var from, to time.Time
	var err error
	if rawFrom != "" {
		if from, err = time.Parse(time.RFC3339, rawFrom); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if rawTo != "" {
		if to, err = time.Parse(time.RFC3339, rawTo); err != nil {
			return time.Time{}, time.Time{}, err
		}
	} else {
		to = now.Add(time.Second)
	}
	return from, to, nil
}

func badWindow(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "invalid time window: " + err.Error(),
	})
}
