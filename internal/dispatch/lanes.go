package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"freight/backend/features/job"
)

// Lane is the priority class of a work item.
type Lane int

const (
	LaneNormal Lane = iota
	LaneHigh
)

func (l Lane) String() string {
	if l == LaneHigh {
		return "high"
	}
	return "normal"
}

type LanesConfig struct {
	// HighBurst is the maximum number of consecutive high-lane pops before a
	// waiting normal-lane item must be served.
	HighBurst int

	// TenantMaxActive caps concurrently executing batches per tenant.
	// Zero means no per-tenant cap.
	TenantMaxActive int

	// TenantRate is the sustained dispatch rate per tenant in items/sec.
	// Zero disables rate limiting.
	TenantRate float64
}

type tenantState struct {
	limiter *rate.Limiter
	active  int
}

type deferredTask struct {
	task job.Task
	lane Lane
}

// Lanes is the two-lane priority queue feeding the worker pool. High-lane
// items (retries) are served before normal ones, bounded by HighBurst so the
// normal lane is never starved. A batch ID is handed to at most one consumer
// at a time; Done releases it.
type Lanes struct {
	mu   sync.Mutex
	cond *sync.Cond

	normal []job.Task
	high   []job.Task

	inflight   map[string]bool
	deferred   map[string]deferredTask
	tenants    map[string]*tenantState
	highStreak int
	cfg        LanesConfig
	closed     bool
}

func NewLanes(cfg LanesConfig) *Lanes {
	if cfg.HighBurst <= 0 {
		cfg.HighBurst = 4
	}
	l := &Lanes{
		inflight: make(map[string]bool),
		deferred: make(map[string]deferredTask),
		tenants:  make(map[string]*tenantState),
		cfg:      cfg,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Push appends a task to the given lane. Duplicate pushes of an already
// queued batch are dropped: the ledger's claim guard would reject the
// execution anyway, so filtering here just avoids wasted pops. A push for a
// batch currently in flight is held back and re-enters its lane on Done, so
// a retry enqueued while the failing attempt is still winding down is never
// lost.
func (l *Lanes) Push(task job.Task, lane Lane) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.queued(task.BatchID) {
		return
	}
	if l.inflight[task.BatchID] {
		l.deferred[task.BatchID] = deferredTask{task: task, lane: lane}
		return
	}

	if lane == LaneHigh {
		l.high = append(l.high, task)
	} else {
		l.normal = append(l.normal, task)
	}
	l.cond.Broadcast()
}

func (l *Lanes) queued(batchID string) bool {
	for _, t := range l.high {
		if t.BatchID == batchID {
			return true
		}
	}
	for _, t := range l.normal {
		if t.BatchID == batchID {
			return true
		}
	}
	return false
}

// Pop blocks until an eligible task is available or ctx is done. The
// returned task's batch is marked in flight until Done is called for it.
func (l *Lanes) Pop(ctx context.Context) (job.Task, bool) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		l.cond.Broadcast()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if ctx.Err() != nil || l.closed {
			return job.Task{}, false
		}

		if task, lane, ok := l.pick(); ok {
			l.inflight[task.BatchID] = true
			l.tenant(task.TenantID).active++
			if lane == LaneHigh {
				l.highStreak++
			} else {
				l.highStreak = 0
			}
			return task, true
		}

		// Items may be held back only by a tenant rate limit; re-check soon
		// rather than waiting for a push.
		if l.rateDeferred() {
			t := time.AfterFunc(50*time.Millisecond, l.cond.Broadcast)
			l.cond.Wait()
			t.Stop()
			continue
		}

		l.cond.Wait()
	}
}

// pick selects the next eligible task honoring priority, the starvation
// bound, and per-tenant limits. Caller holds the lock.
func (l *Lanes) pick() (job.Task, Lane, bool) {
	serveNormalFirst := l.highStreak >= l.cfg.HighBurst

	order := []Lane{LaneHigh, LaneNormal}
	if serveNormalFirst {
		order = []Lane{LaneNormal, LaneHigh}
	}

	for _, lane := range order {
		queue := &l.high
		if lane == LaneNormal {
			queue = &l.normal
		}
		for i, task := range *queue {
			if !l.eligible(task) {
				continue
			}
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return task, lane, true
		}
	}
	return job.Task{}, LaneNormal, false
}

func (l *Lanes) eligible(task job.Task) bool {
	ts := l.tenant(task.TenantID)
	if l.cfg.TenantMaxActive > 0 && ts.active >= l.cfg.TenantMaxActive {
		return false
	}
	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	return true
}

// rateDeferred reports whether queued work exists that is blocked solely by
// a rate limiter (as opposed to concurrency caps or empty lanes).
func (l *Lanes) rateDeferred() bool {
	if l.cfg.TenantRate <= 0 {
		return false
	}
	return len(l.high)+len(l.normal) > 0
}

func (l *Lanes) tenant(tenantID string) *tenantState {
	ts, ok := l.tenants[tenantID]
	if !ok {
		ts = &tenantState{}
		if l.cfg.TenantRate > 0 {
			burst := l.cfg.TenantMaxActive
			if burst <= 0 {
				burst = 1
			}
			ts.limiter = rate.NewLimiter(rate.Limit(l.cfg.TenantRate), burst)
		}
		l.tenants[tenantID] = ts
	}
	return ts
}

// Done releases a batch's in-flight slot after its processor invocation
// finished, whatever the outcome.
func (l *Lanes) Done(task job.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.inflight, task.BatchID)
	if ts, ok := l.tenants[task.TenantID]; ok && ts.active > 0 {
		ts.active--
	}

	if dt, ok := l.deferred[task.BatchID]; ok {
		delete(l.deferred, task.BatchID)
		if dt.lane == LaneHigh {
			l.high = append(l.high, dt.task)
		} else {
			l.normal = append(l.normal, dt.task)
		}
	}
	l.cond.Broadcast()
}

// Close wakes all blocked consumers; subsequent pops return false.
func (l *Lanes) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}

// Depths returns the queued item count per lane, for metrics and the worker
// status endpoint.
func (l *Lanes) Depths() (normal, high int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.normal), len(l.high)
}

// InFlight returns the number of batches currently executing.
func (l *Lanes) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}
