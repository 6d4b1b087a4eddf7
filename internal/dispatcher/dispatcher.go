// Package dispatcher fans a newly-committed event out to every live
// subscription whose filter set matches it, per spec.md §4.D. Grounded on
// the teacher's socketapi publisher (pkg/protocol/socketapi/publisher.go):
// a mutex-protected map from listener to its named subscriptions' filter
// sets, with a Receive-style Subscribe/Unsubscribe entry point, generalized
// to per-instance workers with bounded per-session backpressure channels.
package dispatcher

import (
	"runtime"
	"sync"
	"sync/atomic"

	"moar.dev/internal/log"
	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
)

// DefaultBacklog is the default bound on a subscription's outbound channel
// before the dispatcher considers it overloaded and drops it.
const DefaultBacklog = 256

// YieldEvery is how many events a worker processes before yielding to the
// Go scheduler, so a large historical catch-up can't monopolize a core.
const YieldEvery = 64

// Sub is one live subscription: a session-identifying key, its filter set,
// and the bounded channel events are pushed onto.
type Sub struct {
	SessionId string
	SubId     string
	Filters   filter.S
	Out       chan *event.E
	// Overloaded is closed by the dispatcher the moment it drops this
	// subscription for backpressure; sessions select on it to know when to
	// send a CLOSED notice.
	Overloaded chan struct{}
}

// D is one instance's dispatcher: a worker goroutine serializing delivery
// so no single instance's subscriber set can block another instance's.
type D struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Sub // sessionId -> subId -> Sub

	commits chan *event.E
	done    chan struct{}
	wg      sync.WaitGroup

	dropped atomic.Int64
}

// New starts a dispatcher worker for one instance.
func New() *D {
	d := &D{
		subs:    map[string]map[string]*Sub{},
		commits: make(chan *event.E, 1024),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Stop shuts the worker down, draining no further commits.
func (d *D) Stop() {
	close(d.done)
	d.wg.Wait()
}

// Subscribe installs or replaces a subscription.
func (d *D) Subscribe(s *Sub) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.subs[s.SessionId]
	if !ok {
		m = map[string]*Sub{}
		d.subs[s.SessionId] = m
	}
	m[s.SubId] = s
}

// Unsubscribe removes a single named subscription.
func (d *D) Unsubscribe(sessionId, subId string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.subs[sessionId]; ok {
		delete(m, subId)
		if len(m) == 0 {
			delete(d.subs, sessionId)
		}
	}
}

// UnsubscribeAll removes every subscription for a session, used on
// disconnect.
func (d *D) UnsubscribeAll(sessionId string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, sessionId)
}

// Commit queues a freshly-stored (or ephemeral) event for fan-out. Never
// blocks the caller beyond the commit channel's own buffer.
func (d *D) Commit(ev *event.E) {
	select {
	case d.commits <- ev:
	case <-d.done:
	}
}

// DroppedCount reports how many subscriptions have been dropped for
// backpressure since startup, for metrics.
func (d *D) DroppedCount() int64 { return d.dropped.Load() }

func (d *D) run() {
	defer d.wg.Done()
	n := 0
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.commits:
			d.deliver(ev)
			n++
			if n%YieldEvery == 0 {
				// Cooperative yield: check done, then let the scheduler run
				// other goroutines between batches of delivery work.
				select {
				case <-d.done:
					return
				default:
					runtime.Gosched()
				}
			}
		}
	}
}

func (d *D) deliver(ev *event.E) {
	d.mu.RLock()
	type target struct {
		sessionId, subId string
		sub              *Sub
	}
	var targets []target
	for sid, m := range d.subs {
		for subId, s := range m {
			if s.Filters.Matches(ev) {
				targets = append(targets, target{sid, subId, s})
			}
		}
	}
	d.mu.RUnlock()

	for _, t := range targets {
		select {
		case t.sub.Out <- ev:
		default:
			log.W.F("dispatcher: dropping overloaded subscription %s/%s", t.sessionId, t.subId)
			d.dropped.Add(1)
			close(t.sub.Overloaded)
			d.Unsubscribe(t.sessionId, t.subId)
		}
	}
}
