package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const (
	HealthOK          = "ok"
	HealthBusy        = "busy"
	HealthUnavailable = "unavailable"
)

// busyRatio is the share of the pool checked out at which new uploads start
// queueing behind running batches.
const busyRatio = 0.8

const pingTimeout = 5 * time.Second

// poolStat is the subset of *pgxpool.Stat the health report reads.
type poolStat interface {
	AcquiredConns() int32
	IdleConns() int32
	MaxConns() int32
	EmptyAcquireCount() int64
	AcquireDuration() time.Duration
}

// PoolPressure describes how much of the pool is held. Uploads keep a
// connection for their whole batch, so Waits growing while InUse sits at Max
// means uploads are queueing.
type PoolPressure struct {
	InUse       int32   `json:"in_use"`
	Idle        int32   `json:"idle"`
	Max         int32   `json:"max"`
	Utilization float64 `json:"utilization"`
	Waits       int64   `json:"waits"`
	WaitTime    string  `json:"wait_time"`
}

type Health struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Pool   PoolPressure `json:"pool"`
}

func pressureOf(s poolStat) PoolPressure {
	p := PoolPressure{
		InUse:    s.AcquiredConns(),
		Idle:     s.IdleConns(),
		Max:      s.MaxConns(),
		Waits:    s.EmptyAcquireCount(),
		WaitTime: s.AcquireDuration().String(),
	}
	if p.Max > 0 {
		p.Utilization = float64(p.InUse) / float64(p.Max)
	}
	return p
}

// assess turns a ping result and pool pressure into a report.
func assess(pingErr error, p PoolPressure) *Health {
	h := &Health{Status: HealthOK, Pool: p}
	switch {
	case pingErr != nil:
		h.Status = HealthUnavailable
		h.Error = pingErr.Error()
	case p.Utilization >= busyRatio:
		h.Status = HealthBusy
	}
	return h
}

// Check pings the database and reports pool pressure.
func Check(ctx context.Context, pool *pgxpool.Pool) *Health {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := pool.Ping(ctx)
	return assess(err, pressureOf(pool.Stat()))
}

// HealthHandler serves Check. Only an unreachable database answers 503.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := Check(c.Request().Context(), pool)
		code := http.StatusOK
		if h.Status == HealthUnavailable {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, h)
	}
}
