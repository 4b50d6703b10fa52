package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/observability"
)

// =============================================================================
// Queue Entry & Lane
// =============================================================================

type taskResult struct {
	output string
	err    error
}

type queueEntry struct {
	ctx        context.Context
	task       Task
	reply      chan taskResult // buffered(1), written or closed exactly once
	enqueuedAt time.Time
	warnAfter  time.Duration
}

type lane struct {
	name          string
	queue         []*queueEntry
	active        int
	maxConcurrent int
	state         LaneState
}

func (l *lane) stats() LaneStats {
	return LaneStats{
		Lane:          l.name,
		Queued:        len(l.queue),
		Active:        l.active,
		MaxConcurrent: l.maxConcurrent,
		State:         l.state,
	}
}

// =============================================================================
// Command Queue
// =============================================================================

// CommandQueue runs tasks in named FIFO lanes with per-lane concurrency
// limits. Each lane is a two-state machine (Idle, Draining). Only Enqueue and
// task completion move a lane from Idle to Draining, and whoever makes that
// transition starts the single pump for the lane. The pump dispatches until
// the lane is empty or saturated, then returns the lane to Idle.
//
// All lane state is guarded by one mutex. No code path panics while holding
// it; task panics happen outside the lock and are recovered into errors.
type CommandQueue struct {
	logger Logger

	lanes  map[string]*lane
	limits map[string]int
	closed bool
	mu     sync.Mutex

	inflight sync.WaitGroup
}

// NewCommandQueue creates a queue. limits presets per-lane concurrency; lanes
// not listed default to DefaultLaneConcurrency.
func NewCommandQueue(logger Logger, limits map[string]int) *CommandQueue {
	q := &CommandQueue{
		logger: logger,
		lanes:  make(map[string]*lane),
		limits: make(map[string]int),
	}
	for name, n := range limits {
		q.limits[name] = clampConcurrency(n)
	}
	return q
}

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// laneLocked returns the named lane, creating it Idle. Caller holds q.mu.
func (q *CommandQueue) laneLocked(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		maxConcurrent := DefaultLaneConcurrency
		if n, ok := q.limits[name]; ok {
			maxConcurrent = n
		}
		l = &lane{name: name, maxConcurrent: maxConcurrent, state: LaneIdle}
		q.lanes[name] = l
	}
	return l
}

// Enqueue appends task to the lane and blocks until it finishes, ctx is done,
// or the queue is torn down. A task that waited at least warnAfter before
// dispatch logs a queue-pressure warning but still runs. warnAfter <= 0
// uses DefaultWarnAfter.
//
// If ctx is cancelled while the task is still queued, the task is skipped
// when its turn comes.
func (q *CommandQueue) Enqueue(ctx context.Context, laneName string, task Task, warnAfter time.Duration) (string, error) {
	if warnAfter <= 0 {
		warnAfter = DefaultWarnAfter
	}
	entry := &queueEntry{
		ctx:        ctx,
		task:       task,
		reply:      make(chan taskResult, 1),
		enqueuedAt: time.Now(),
		warnAfter:  warnAfter,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	l := q.laneLocked(laneName)
	l.queue = append(l.queue, entry)
	spawn := q.armLocked(l)
	observability.SetLaneDepth(l.name, len(l.queue), l.active)
	q.mu.Unlock()

	if spawn {
		go q.pump(laneName)
	}

	select {
	case res, ok := <-entry.reply:
		if !ok {
			return "", ErrDroppedBeforeCompletion
		}
		return res.output, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// armLocked moves an Idle lane with queued work to Draining and reports
// whether the caller must start a pump. Caller holds q.mu.
func (q *CommandQueue) armLocked(l *lane) bool {
	if q.closed || l.state != LaneIdle || len(l.queue) == 0 {
		return false
	}
	l.state = LaneDraining
	return true
}

// pump dispatches the lane until it is empty or saturated.
func (q *CommandQueue) pump(laneName string) {
	for {
		q.mu.Lock()
		l := q.lanes[laneName]
		if q.closed || len(l.queue) == 0 || l.active >= l.maxConcurrent {
			l.state = LaneIdle
			q.mu.Unlock()
			return
		}
		entry := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.active++
		q.inflight.Add(1)
		observability.SetLaneDepth(l.name, len(l.queue), l.active)
		q.mu.Unlock()

		q.dispatch(laneName, entry)
	}
}

func (q *CommandQueue) dispatch(laneName string, entry *queueEntry) {
	waited := time.Since(entry.enqueuedAt)
	over := waited >= entry.warnAfter
	observability.RecordLaneDispatch(laneName, int(waited.Milliseconds()), over)
	if over && q.logger != nil {
		q.logger.Warn("lane_queue_pressure",
			"lane", laneName,
			"waited_ms", waited.Milliseconds(),
			"warn_after_ms", entry.warnAfter.Milliseconds(),
		)
	}
	if q.logger != nil {
		q.logger.Debug("lane_task_dispatched", "lane", laneName, "waited_ms", waited.Milliseconds())
	}
	go q.run(laneName, entry)
}

func (q *CommandQueue) run(laneName string, entry *queueEntry) {
	defer q.inflight.Done()
	defer q.complete(laneName)

	if err := entry.ctx.Err(); err != nil {
		observability.RecordLaneTask(laneName, "dropped")
		entry.reply <- taskResult{err: err}
		return
	}

	ctx, span := observability.StartSpan(entry.ctx, "lane.task", attribute.String("lane", laneName))
	out, err := SafeExecuteWithResult(q.logger, "lane:"+laneName, func() (string, error) {
		return entry.task(ctx)
	})
	observability.EndSpan(span, err)

	status := "success"
	switch {
	case IsPanic(err):
		status = "panic"
	case err != nil:
		status = "error"
	}
	observability.RecordLaneTask(laneName, status)
	entry.reply <- taskResult{output: out, err: err}
}

// complete releases a concurrency slot and re-arms the lane if work remains.
func (q *CommandQueue) complete(laneName string) {
	q.mu.Lock()
	l := q.lanes[laneName]
	l.active--
	spawn := q.armLocked(l)
	observability.SetLaneDepth(l.name, len(l.queue), l.active)
	q.mu.Unlock()

	if spawn {
		go q.pump(laneName)
	}
}

// SetLaneConcurrency changes a lane's concurrency limit (minimum 1). Raising
// the limit on a lane with queued work dispatches it immediately.
func (q *CommandQueue) SetLaneConcurrency(laneName string, n int) {
	n = clampConcurrency(n)

	q.mu.Lock()
	q.limits[laneName] = n
	l := q.laneLocked(laneName)
	l.maxConcurrent = n
	spawn := q.armLocked(l)
	q.mu.Unlock()

	if q.logger != nil {
		q.logger.Info("lane_concurrency_set", "lane", laneName, "max_concurrent", n)
	}
	if spawn {
		go q.pump(laneName)
	}
}

// Stats returns a snapshot of every known lane, sorted by name.
func (q *CommandQueue) Stats() []LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]LaneStats, 0, len(q.lanes))
	for _, l := range q.lanes {
		out = append(out, l.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lane < out[j].Lane })
	return out
}

// Close tears the queue down. Queued tasks are dropped and their callers get
// ErrDroppedBeforeCompletion; running tasks finish normally. Later Enqueue
// calls fail with ErrQueueClosed. Close is idempotent.
func (q *CommandQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := 0
	for _, l := range q.lanes {
		for _, entry := range l.queue {
			close(entry.reply)
			observability.RecordLaneTask(l.name, "dropped")
			dropped++
		}
		l.queue = nil
		observability.SetLaneDepth(l.name, 0, l.active)
	}
	q.mu.Unlock()

	if q.logger != nil {
		q.logger.Info("command_queue_closed", "dropped", dropped)
	}
}

// Wait blocks until every dispatched task has finished or ctx is done.
func (q *CommandQueue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
