package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"texcache/internal/tile"
)

type State int32

const (
	Queued State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Key identifies equivalent jobs. Two requests with the same key are never
// worked on at the same time.
type Key struct {
	SourceID string
	Region   tile.Rect
	Level    int
	Scheme   tile.ColorScheme
}

// LevelData is the output of a job for one mip level.
type LevelData struct {
	Level int
	// Texture is the payload kept resident.
	Texture []byte
	// Blob is Texture framed for the store.
	Blob []byte
}

// Owner is the cache a job works for.
type Owner interface {
	SourceID() string
	// CompressJob produces the levels for t. It runs on a worker goroutine
	// and must not touch mutable owner state.
	CompressJob(ctx context.Context, t *Ticket) ([]LevelData, error)
	// ApplyJobResult installs a finished job. It is only called from the
	// goroutine that delivers completions, or synchronously for immediate jobs.
	// It must drop t when t.Cancelled reports true, checked under the same
	// lock the owner holds while purging its jobs.
	ApplyJobResult(t *Ticket)
}

// Request describes a job to schedule.
type Request struct {
	Owner        Owner
	Region       tile.Rect
	MinLevel     int
	Scheme       tile.ColorScheme
	Throttle     bool
	Immediate    bool
	PostCompress bool
}

// Ticket is one scheduled job.
type Ticket struct {
	ID           uuid.UUID
	Key          Key
	Owner        Owner
	Throttle     bool
	Immediate    bool
	PostCompress bool
	Enqueued     time.Time

	// Set once the job has finished.
	Result []LevelData
	Err    error

	state     State
	cancelled bool
	ctx       context.Context
	cancel    context.CancelFunc
	pool      *Pool
}

func newTicket(ctx context.Context, p *Pool, req Request) *Ticket {
	ctx, cancel := context.WithCancel(ctx)
	return &Ticket{
		ID: uuid.New(),
		Key: Key{
			SourceID: req.Owner.SourceID(),
			Region:   req.Region,
			Level:    req.MinLevel,
			Scheme:   req.Scheme,
		},
		Owner:        req.Owner,
		Throttle:     req.Throttle,
		Immediate:    req.Immediate,
		PostCompress: req.PostCompress,
		Enqueued:     time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		pool:         p,
	}
}

// State returns the ticket's current state.
func (t *Ticket) State() State {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.state
}

// Cancelled reports whether the ticket was purged or superseded.
func (t *Ticket) Cancelled() bool {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.cancelled
}

// Pace blocks throttled jobs until the pool's rate limiter admits another
// unit of work. Unthrottled jobs return immediately.
func (t *Ticket) Pace(ctx context.Context) error {
	if !t.Throttle || t.pool.limiter == nil {
		return nil
	}
	return t.pool.limiter.Wait(ctx)
}

// covers reports whether the job produces (region, level, scheme).
func (t *Ticket) covers(sourceID string, region tile.Rect, level int, scheme tile.ColorScheme) bool {
	return t.Key.SourceID == sourceID && t.Key.Region == region &&
		t.Key.Scheme == scheme && t.Key.Level <= level
}
