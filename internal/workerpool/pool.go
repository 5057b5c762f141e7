package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"texcache/internal/metrics"
	"texcache/internal/tile"
)

var (
	// ErrClosed is returned by ScheduleJob after Close.
	ErrClosed = errors.New("worker pool closed")
	// ErrCancelled is returned for an immediate job purged while it ran.
	ErrCancelled = errors.New("job cancelled")
)

// Outcome tells the caller what ScheduleJob did with a request.
type Outcome int

const (
	// Scheduled means a new ticket was queued or started.
	Scheduled Outcome = iota
	// AlreadyScheduled means an equivalent ticket was pending and the request was merged into it.
	AlreadyScheduled
	// RanImmediately means an immediate job ran on the calling goroutine.
	RanImmediately
)

type Config struct {
	// MaxJobs bounds concurrently running background jobs. Defaults to 4.
	MaxJobs int
	// ThrottleRate is the number of levels per second throttled jobs may
	// produce across the pool. Zero disables pacing.
	ThrottleRate float64
	Logger       *zap.Logger
}

// Pool runs compression jobs on at most MaxJobs goroutines. Excess requests
// wait in a FIFO queue. Finished jobs are handed back through Deliver so that
// owners are only mutated from the delivering goroutine.
type Pool struct {
	maxJobs int
	logger  *zap.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	todo    []*Ticket
	running map[*Ticket]struct{}
	done    []*Ticket
	pending map[Key]*Ticket
	// immediate holds synchronous jobs from start until their result is applied.
	immediate map[*Ticket]struct{}
	closed    bool

	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxJobs: cfg.MaxJobs,
		logger:  cfg.Logger,
		running:   make(map[*Ticket]struct{}),
		pending:   make(map[Key]*Ticket),
		immediate: make(map[*Ticket]struct{}),
		ready:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.ThrottleRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ThrottleRate), 1)
	}
	return p
}

// ScheduleJob queues a compression job, merges it into an equivalent pending
// one, or, for immediate requests, runs it on the calling goroutine and
// applies the result before returning.
func (p *Pool) ScheduleJob(ctx context.Context, req Request) (Outcome, error) {
	if req.Immediate {
		return p.runImmediate(ctx, req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Scheduled, ErrClosed
	}

	key := Key{SourceID: req.Owner.SourceID(), Region: req.Region, Level: req.MinLevel, Scheme: req.Scheme}
	if _, ok := p.pending[key]; ok {
		metrics.JobsCoalesced.Inc()
		return AlreadyScheduled, nil
	}

	t := newTicket(p.ctx, p, req)
	p.todo = append(p.todo, t)
	p.pending[key] = t
	metrics.JobsScheduled.Inc()

	p.startQueuedLocked()
	p.updateGaugesLocked()
	return Scheduled, nil
}

func (p *Pool) runImmediate(ctx context.Context, req Request) (Outcome, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return RanImmediately, ErrClosed
	}
	t := newTicket(ctx, p, req)
	t.state = Running
	// The synchronous result supersedes an equivalent background ticket.
	if old, ok := p.pending[t.Key]; ok {
		p.cancelLocked(old)
	}
	p.pending[t.Key] = t
	p.immediate[t] = struct{}{}
	p.mu.Unlock()

	defer func() {
		t.cancel()
		p.mu.Lock()
		delete(p.immediate, t)
		p.forgetLocked(t)
		p.mu.Unlock()
	}()

	start := time.Now()
	result, err := req.Owner.CompressJob(t.ctx, t)

	p.mu.Lock()
	t.Result, t.Err = result, err
	switch {
	case t.cancelled:
		t.state = Cancelled
	case err != nil:
		t.state = Failed
	default:
		t.state = Completed
	}
	state := t.state
	p.mu.Unlock()

	p.logger.Debug("Immediate compression finished",
		zap.String("source", t.Key.SourceID),
		zap.Stringer("region", t.Key.Region),
		zap.Stringer("state", state),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)

	if state == Cancelled {
		return RanImmediately, ErrCancelled
	}
	// A purge from here on is seen by the owner through Ticket.Cancelled.
	req.Owner.ApplyJobResult(t)
	return RanImmediately, err
}

// startQueuedLocked promotes queued tickets while there is a free worker.
func (p *Pool) startQueuedLocked() {
	for len(p.running) < p.maxJobs && len(p.todo) > 0 {
		t := p.todo[0]
		p.todo[0] = nil
		p.todo = p.todo[1:]

		t.state = Running
		p.running[t] = struct{}{}
		p.wg.Add(1)
		go p.work(t)
	}
}

func (p *Pool) work(t *Ticket) {
	defer p.wg.Done()

	start := time.Now()
	result, err := t.Owner.CompressJob(t.ctx, t)
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	p.mu.Lock()
	delete(p.running, t)
	t.Result, t.Err = result, err
	switch {
	case t.cancelled:
		t.state = Cancelled
	case err != nil:
		t.state = Failed
	default:
		t.state = Completed
	}
	if t.state == Cancelled {
		p.forgetLocked(t)
	} else {
		p.done = append(p.done, t)
	}
	p.startQueuedLocked()
	p.updateGaugesLocked()
	state := t.state
	p.mu.Unlock()

	t.cancel()
	metrics.JobsFinished.WithLabelValues(state.String()).Inc()
	if err != nil && state == Failed {
		p.logger.Warn("Compression job failed",
			zap.String("ticket", t.ID.String()),
			zap.String("source", t.Key.SourceID),
			zap.Stringer("region", t.Key.Region),
			zap.Int("level", t.Key.Level),
			zap.Error(err),
		)
	}

	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever finished tickets wait for Deliver.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// Deliver hands finished tickets to their owners in completion order and
// returns how many were handed over. Tickets purged after they finished are
// dropped here; a purge racing with the hand-over is caught by the owner,
// which checks Ticket.Cancelled under the lock it purges with.
func (p *Pool) Deliver() int {
	p.mu.Lock()
	batch := p.done
	p.done = nil
	p.mu.Unlock()

	applied := 0
	for _, t := range batch {
		p.mu.Lock()
		cancelled := t.cancelled
		if cancelled {
			t.state = Cancelled
		}
		p.mu.Unlock()

		if !cancelled {
			t.Owner.ApplyJobResult(t)
			applied++
		}

		p.mu.Lock()
		p.forgetLocked(t)
		p.mu.Unlock()
	}
	return applied
}

// Run delivers finished tickets until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ready:
			p.Deliver()
		}
	}
}

func (p *Pool) forgetLocked(t *Ticket) {
	if p.pending[t.Key] == t {
		delete(p.pending, t.Key)
	}
}

// cancelLocked drops t from the queue, or marks it so its result is discarded.
func (p *Pool) cancelLocked(t *Ticket) {
	t.cancelled = true
	t.cancel()
	p.forgetLocked(t)
	if t.state == Queued {
		t.state = Cancelled
		for i, q := range p.todo {
			if q == t {
				p.todo = append(p.todo[:i], p.todo[i+1:]...)
				break
			}
		}
		metrics.JobsPurged.Inc()
	}
}

// GetRunningJobCount returns the number of jobs occupying a worker.
func (p *Pool) GetRunningJobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Pool) QueuedJobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.todo)
}

// HasPending reports whether any job for sourceID is queued, running, or
// waiting for delivery. Purged jobs still running count, since they still
// read from the source.
func (p *Pool) HasPending(sourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.pending {
		if t.Key.SourceID == sourceID {
			return true
		}
	}
	for t := range p.running {
		if t.Key.SourceID == sourceID {
			return true
		}
	}
	for t := range p.immediate {
		if t.Key.SourceID == sourceID {
			return true
		}
	}
	return false
}

// IsRunning reports whether a running job is producing (region, level, scheme).
func (p *Pool) IsRunning(sourceID string, region tile.Rect, level int, scheme tile.ColorScheme) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for t := range p.running {
		if !t.cancelled && t.covers(sourceID, region, level, scheme) {
			return true
		}
	}
	for t := range p.immediate {
		if !t.cancelled && t.covers(sourceID, region, level, scheme) {
			return true
		}
	}
	return false
}

// IsScheduled reports whether a queued, running or undelivered job will
// produce (region, level, scheme).
func (p *Pool) IsScheduled(sourceID string, region tile.Rect, level int, scheme tile.ColorScheme) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.pending {
		if t.covers(sourceID, region, level, scheme) {
			return true
		}
	}
	return false
}

// PurgeJobList removes queued jobs for sourceID, or for every source when
// sourceID is empty. Running, immediate and undelivered jobs are cancelled
// and their results discarded. It returns the number of queued jobs removed.
func (p *Pool) PurgeJobList(sourceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	match := func(t *Ticket) bool { return sourceID == "" || t.Key.SourceID == sourceID }

	removed := 0
	kept := p.todo[:0]
	for _, t := range p.todo {
		if match(t) {
			t.state = Cancelled
			t.cancelled = true
			t.cancel()
			p.forgetLocked(t)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(p.todo); i++ {
		p.todo[i] = nil
	}
	p.todo = kept

	// pending also holds tickets being handed over by Deliver.
	for _, t := range p.pending {
		if match(t) {
			p.cancelLocked(t)
		}
	}
	for t := range p.immediate {
		if match(t) && !t.cancelled {
			p.cancelLocked(t)
		}
	}

	metrics.JobsPurged.Add(float64(removed))
	p.updateGaugesLocked()
	if removed > 0 {
		p.logger.Debug("Purged queued jobs", zap.String("source", sourceID), zap.Int("count", removed))
	}
	return removed
}

// PurgeStale removes queued jobs that have waited longer than maxAge.
func (p *Pool) PurgeStale(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var stale []*Ticket
	for _, t := range p.todo {
		if t.Enqueued.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	for _, t := range stale {
		p.cancelLocked(t)
	}
	p.updateGaugesLocked()
	return len(stale)
}

func (p *Pool) updateGaugesLocked() {
	metrics.JobsRunning.Set(float64(len(p.running)))
	metrics.JobsQueued.Set(float64(len(p.todo)))
}

// Close purges all queued jobs and waits for running ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.PurgeJobList("")
	p.cancel()
	p.wg.Wait()
}
