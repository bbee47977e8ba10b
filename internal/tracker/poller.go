package tracker

import (
	"context"
	"log"
	"sync"
	"time"
)

// Poller is the consistency backstop: while at least one canonical task is
// running it re-fetches the full list on a fixed interval; the moment none
// is, the timer is torn down so an idle tracker does no network work.
type Poller struct {
	store    *Store
	interval time.Duration
	clock    Clock

	mu     sync.Mutex
	timer  Timer
	active bool
	closed bool
	onPoll func()
}

func NewPoller(store *Store, interval time.Duration, clock Clock) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Poller{
		store:    store,
		interval: interval,
		clock:    clock,
	}
}

// SetOnPoll registers a callback fired once per poll cycle, before the
// refresh.
func (p *Poller) SetOnPoll(fn func()) {
	p.mu.Lock()
	p.onPoll = fn
	p.mu.Unlock()
}

// Sync re-evaluates whether polling should run. Wire it to the store's
// change notifications.
func (p *Poller) Sync() {
	want := p.store.HasRunning()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if want == p.active {
		return
	}
	p.active = want
	if want {
		p.armLocked()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Active reports whether the fallback timer is currently armed.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.active = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) armLocked() {
	p.timer = p.clock.AfterFunc(p.interval, p.tick)
}

func (p *Poller) tick() {
	p.mu.Lock()
	if p.closed || !p.active {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	onPoll := p.onPoll
	p.mu.Unlock()

	if onPoll != nil {
		onPoll()
	}
	if err := p.store.Refresh(context.Background()); err != nil {
		log.Printf("polling refresh: %v", err)
	}

	// Refresh fires the store's change notification, which may already
	// have deactivated the poller through Sync.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.active || p.timer != nil {
		return
	}
	p.armLocked()
}
