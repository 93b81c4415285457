package gateway

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// frameLimiter enforces the per-connection message rate. The counter is
// reset to zero every second regardless of traffic; exceeding the threshold
// on increment blocks the connection for the cooldown window. A violation
// while already blocked replaces the pending unblock timer, so sustained
// abuse keeps the connection blocked continuously.
type frameLimiter struct {
	clock     clock.Clock
	threshold int
	blockTime time.Duration

	mu      sync.Mutex
	count   int
	blocked bool
	unblock *clock.Timer

	ticker   *clock.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newFrameLimiter(clk clock.Clock, messagesPerSecond int, blockTime time.Duration) *frameLimiter {
	l := &frameLimiter{
		clock:     clk,
		threshold: messagesPerSecond,
		blockTime: blockTime,
		ticker:    clk.Ticker(time.Second),
		stopCh:    make(chan struct{}),
	}

	go l.resetLoop()
	return l
}

// allow counts one inbound frame and reports whether it may be processed.
func (l *frameLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.count > l.threshold {
		l.blockLocked()
	}
	return !l.blocked
}

// isBlocked reports the current block state without counting a frame.
func (l *frameLimiter) isBlocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked
}

func (l *frameLimiter) blockLocked() {
	l.blocked = true
	if l.unblock != nil {
		l.unblock.Stop()
	}
	l.unblock = l.clock.AfterFunc(l.blockTime, func() {
		l.mu.Lock()
		l.blocked = false
		l.unblock = nil
		l.mu.Unlock()
	})
}

func (l *frameLimiter) resetLoop() {
	for {
		select {
		case <-l.ticker.C:
			l.mu.Lock()
			l.count = 0
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// stop cancels the reset ticker and any pending unblock timer.
func (l *frameLimiter) stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.ticker.Stop()

		l.mu.Lock()
		if l.unblock != nil {
			l.unblock.Stop()
			l.unblock = nil
		}
		l.mu.Unlock()
	})
}
