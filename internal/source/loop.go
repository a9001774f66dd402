package source

import (
	"sync"
	"time"
)

// tickLoop is the cooperative background driver shared by tick-producing
// sources. Each iteration waits for the tick interval or the stop signal,
// then runs the body unless paused, so a freshly started source stays at its
// initial tick until the first interval elapses. The body runs under its own
// mutex so a step command and the driver never overlap.
type tickLoop struct {
	mu       sync.Mutex
	paused   bool
	interval time.Duration

	bodyMu sync.Mutex
	body   func()

	stop chan struct{}
	done chan struct{}
}

func newTickLoop(interval time.Duration, body func()) *tickLoop {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &tickLoop{interval: interval, body: body}
}

// start launches the driver goroutine. Restartable after stopJoin.
func (l *tickLoop) start() {
	l.mu.Lock()
	l.paused = false
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stop, l.done
	l.mu.Unlock()

	go l.run(stop, done)
}

func (l *tickLoop) run(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-time.After(l.currentInterval()):
		}
		if !l.isPaused() {
			l.runBody()
		}
	}
}

func (l *tickLoop) runBody() {
	l.bodyMu.Lock()
	defer l.bodyMu.Unlock()
	l.body()
}

// stopJoin signals the driver and waits for it to exit. Idempotent.
func (l *tickLoop) stopJoin() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
}

func (l *tickLoop) pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

func (l *tickLoop) resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
}

// step advances exactly one tick, only while paused.
func (l *tickLoop) step() {
	if l.isPaused() {
		l.runBody()
	}
}

func (l *tickLoop) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *tickLoop) setSpeed(ticksPerSecond float64) {
	l.mu.Lock()
	l.interval = time.Duration(float64(time.Second) / ticksPerSecond)
	l.mu.Unlock()
}

func (l *tickLoop) currentInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}
