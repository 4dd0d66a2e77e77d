package batching

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker is a CLOSED/OPEN/HALF_OPEN circuit breaker guarding the transform
// step. It opens when consecutiveTh consecutive failures occur, or, once the
// trailing window is full, when its failure ratio reaches failureRatio. It
// half-opens after resetTimeout and closes again on the first success,
// re-opening immediately on a half-open failure.
type breaker struct {
	mu sync.Mutex

	window        int
	failureRatio  float64
	consecutiveTh int
	resetTimeout  time.Duration

	state        breakerState
	openedAt     time.Time
	consecutive  int
	history      []bool
	historyPos   int
	historyCount int
}

func newBreaker(window int, failureRatio float64, consecutiveTh int, resetTimeout time.Duration) *breaker {
	return &breaker{
		window:        window,
		failureRatio:  failureRatio,
		consecutiveTh: consecutiveTh,
		resetTimeout:  resetTimeout,
		state:         stateClosed,
		history:       make([]bool, window),
	}
}

// open reports whether calls should currently be short-circuited. It also
// performs the OPEN -> HALF_OPEN transition once resetTimeout elapses.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.state = stateHalfOpen
			return false
		}
		return true
	default:
		return false
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.push(true)

	if b.state == stateHalfOpen {
		b.state = stateClosed
		b.resetHistory()
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	b.push(false)

	if b.state == stateHalfOpen {
		b.trip()
		return
	}

	if b.consecutive >= b.consecutiveTh {
		b.trip()
		return
	}

	if b.historyCount >= b.window && b.failureRate() >= b.failureRatio {
		b.trip()
	}
}

func (b *breaker) trip() {
	b.state = stateOpen
	b.openedAt = time.Now()
}

func (b *breaker) push(ok bool) {
	b.history[b.historyPos] = ok
	b.historyPos = (b.historyPos + 1) % b.window
	if b.historyCount < b.window {
		b.historyCount++
	}
}

func (b *breaker) resetHistory() {
	b.historyPos = 0
	b.historyCount = 0
	b.consecutive = 0
}

func (b *breaker) failureRate() float64 {
	if b.historyCount == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.historyCount; i++ {
		if !b.history[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.historyCount)
}
