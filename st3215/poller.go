package st3215

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Poller drives the periodic status tasks of many servos from a single
// goroutine: a timer heap ordered by wake time, where each callback returns
// its own next wake. This keeps one bus-wide scheduling point instead of a
// polling goroutine per servo.
type Poller struct {
	now func() time.Time

	mu    sync.Mutex
	queue timerQueue
	wake  chan struct{}
}

type timerEntry struct {
	servo *Servo
	at    time.Time
	index int
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q timerQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *timerQueue) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*q); *q = append(*q, e) }
func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// NewPoller creates an empty poll scheduler.
func NewPoller() *Poller {
	return &Poller{
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
}

// Add schedules a servo's poll task to start immediately.
func (p *Poller) Add(s *Servo) {
	p.mu.Lock()
	heap.Push(&p.queue, &timerEntry{servo: s, at: p.now()})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run executes poll callbacks until ctx is cancelled. Each servo's Poll
// returns its next wake time; the entry is pushed back with that time, so
// the loop is fixed-period per servo regardless of how long a tick took.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		p.mu.Lock()
		var next *timerEntry
		if p.queue.Len() > 0 {
			next = p.queue[0]
		}
		p.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}

		now := p.now()
		if now.Before(next.at) {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(next.at.Sub(now))
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			case <-timer.C:
				continue
			}
		}

		p.mu.Lock()
		entry := heap.Pop(&p.queue).(*timerEntry)
		p.mu.Unlock()

		nextAt := entry.servo.Poll(ctx, now)

		p.mu.Lock()
		entry.at = nextAt
		heap.Push(&p.queue, entry)
		p.mu.Unlock()
	}
}
