package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_PerTenantBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := New(Config{RequestsPerSecond: 1, Burst: 2, Clock: clock})
	defer rl.Stop()

	assert.True(t, rl.Allow("clinic-a"))
	assert.True(t, rl.Allow("clinic-a"))
	assert.False(t, rl.Allow("clinic-a"))

	assert.True(t, rl.Allow("clinic-b"), "tenants do not share a bucket")

	clock.Advance(time.Second)
	assert.True(t, rl.Allow("clinic-a"))
	assert.False(t, rl.Allow("clinic-a"))
}

func TestEvictIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := New(Config{Clock: clock, IdleTTL: time.Minute, CleanupInterval: time.Hour})
	defer rl.Stop()

	rl.Allow("clinic-a")
	clock.Advance(30 * time.Second)
	rl.Allow("clinic-b")
	clock.Advance(45 * time.Second)

	rl.evictIdle()
	assert.Equal(t, 1, rl.Len())
}

func TestMiddleware(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := New(Config{RequestsPerSecond: 0.5, Burst: 1, Clock: clock})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	send := func(tenant string) int {
		req := httptest.NewRequest("GET", "/ping", nil)
		if tenant != "" {
			req.Header.Set(TenantHeader, tenant)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		if resp.StatusCode == fiber.StatusTooManyRequests {
			assert.Equal(t, "2", resp.Header.Get(fiber.HeaderRetryAfter))
		}
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, send("clinic-a"))
	assert.Equal(t, fiber.StatusTooManyRequests, send("clinic-a"))
	assert.Equal(t, fiber.StatusOK, send("clinic-b"))
	assert.Equal(t, fiber.StatusOK, send(""))
	assert.Equal(t, fiber.StatusTooManyRequests, send(""))
}
