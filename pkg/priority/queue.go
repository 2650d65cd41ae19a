package priority

import (
	"sync/atomic"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

// Queue is a two-band frame queue. Control frames ride the high band so
// cancellation outruns buffered audio.
type Queue interface {
	TryPushHigh(f frames.Frame) bool
	TryPushLow(f frames.Frame) bool
	Pop() (frames.Frame, bool)
	TryPop() (frames.Frame, bool)
	Stats() Stats
}

type FrameQueue struct {
	high     chan frames.Frame
	low      chan frames.Frame
	fairness int

	highStreak int64
	highPush   int64
	lowPush    int64
	highPop    int64
	lowPop     int64
}

// New builds a queue. fairness bounds how many consecutive high-band
// pops may starve the low band.
func New(highCap, lowCap, fairness int) *FrameQueue {
	if fairness <= 0 {
		fairness = 3
	}
	return &FrameQueue{
		high:     make(chan frames.Frame, highCap),
		low:      make(chan frames.Frame, lowCap),
		fairness: fairness,
	}
}

func (q *FrameQueue) TryPushHigh(f frames.Frame) bool {
	select {
	case q.high <- f:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *FrameQueue) TryPushLow(f frames.Frame) bool {
	select {
	case q.low <- f:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

// TryPop returns immediately. High band wins unless it has been served
// fairness times in a row while the low band waited.
func (q *FrameQueue) TryPop() (frames.Frame, bool) {
	if atomic.LoadInt64(&q.highStreak) < int64(q.fairness) {
		select {
		case f := <-q.high:
			atomic.AddInt64(&q.highPop, 1)
			atomic.AddInt64(&q.highStreak, 1)
			return f, true
		default:
		}
	}
	select {
	case f := <-q.low:
		atomic.AddInt64(&q.lowPop, 1)
		atomic.StoreInt64(&q.highStreak, 0)
		return f, true
	default:
	}
	// Low band empty; let high through even past its streak.
	select {
	case f := <-q.high:
		atomic.AddInt64(&q.highPop, 1)
		atomic.AddInt64(&q.highStreak, 1)
		return f, true
	default:
	}
	return nil, false
}

// Pop blocks until a frame is available.
func (q *FrameQueue) Pop() (frames.Frame, bool) {
	for {
		if f, ok := q.TryPop(); ok {
			return f, true
		}
		time.Sleep(time.Millisecond)
	}
}

func (q *FrameQueue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}
