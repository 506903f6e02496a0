package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 3 * time.Minute
	limiterSweepEvery = time.Minute
)

// appendLimiter bounds how fast producers may write into one task's stream
type appendLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	tasks     map[string]*taskLimiter
	lastSweep time.Time
	now       func() time.Time
}

type taskLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAppendLimiter(rps float64, burst int) *appendLimiter {
	if burst < 1 {
		burst = 1
	}
	return &appendLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		tasks: make(map[string]*taskLimiter),
		now:   time.Now,
	}
}

func (l *appendLimiter) allow(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterSweepEvery {
		for id, t := range l.tasks {
			if now.Sub(t.lastSeen) > limiterIdleTTL {
				delete(l.tasks, id)
			}
		}
		l.lastSweep = now
	}

	t, ok := l.tasks[taskID]
	if !ok {
		t = &taskLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.tasks[taskID] = t
	}
	t.lastSeen = now
	return t.limiter.AllowN(now, 1)
}

func (l *appendLimiter) forget(taskID string) {
	l.mu.Lock()
	delete(l.tasks, taskID)
	l.mu.Unlock()
}

// middleware rejects writes to a task that exceed its budget
func (l *appendLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.Param("id")) {
			c.Header("Retry-After", "1")
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many events for this task")
			c.Abort()
			return
		}
		c.Next()
	}
}
