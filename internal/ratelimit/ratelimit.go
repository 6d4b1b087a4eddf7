// Package ratelimit implements the per-IP leaky-bucket limiter spec.md §4.C
// describes: two independent fractional-refill token buckets per source
// address — one for writes (EVENT), one for reads (REQ/COUNT) — plus a
// concurrent-connection cap, all decayed and forgotten after a period of
// inactivity. Grounded on the teacher's use of
// github.com/puzpuzpuz/xsync/v3's lock-free MapOf for per-connection state
// (pkg/protocol/ws/pool.go's Relays map), applied here to per-IP buckets
// instead of per-relay clients.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Config controls the write and read buckets' capacity and refill rate, and
// the per-address concurrent connection cap.
type Config struct {
	// WriteBurst/WritePerSecond size and refill the EVENT-message bucket.
	WriteBurst     float64
	WritePerSecond float64
	// ReadBurst/ReadPerSecond size and refill the REQ/COUNT-message bucket.
	ReadBurst     float64
	ReadPerSecond float64
	// MaxConns caps simultaneous connections counted against ConnBegin per
	// address; zero means unlimited.
	MaxConns int
	// IdleTTL is how long an address's bucket survives with zero activity
	// before Sweep evicts it.
	IdleTTL time.Duration
}

// DefaultConfig matches spec.md §4.C's stated per-IP defaults: 20
// writes/minute, 60 reads/minute, max 5 concurrent connections, with a
// 10-minute idle eviction window.
func DefaultConfig() Config {
	return Config{
		WriteBurst:     20,
		WritePerSecond: 20.0 / 60.0,
		ReadBurst:      60,
		ReadPerSecond:  60.0 / 60.0,
		MaxConns:       5,
		IdleTTL:        10 * time.Minute,
	}
}

type bucket struct {
	mu                   sync.Mutex
	writeTokens          float64
	readTokens           float64
	lastWrite, lastRead  time.Time
	conns                int
}

// L is a rate limiter instance, scoped to one gateway instance (tenant).
type L struct {
	cfg     Config
	buckets *xsync.MapOf[string, *bucket]
}

// New creates a rate limiter using cfg.
func New(cfg Config) *L {
	return &L{cfg: cfg, buckets: xsync.NewMapOf[string, *bucket]()}
}

func (l *L) get(addr string) *bucket {
	now := time.Now()
	b, _ := l.buckets.LoadOrCompute(addr, func() *bucket {
		return &bucket{
			writeTokens: l.cfg.WriteBurst,
			readTokens:  l.cfg.ReadBurst,
			lastWrite:   now,
			lastRead:    now,
		}
	})
	return b
}

func refill(tokens, burst, perSecond float64, last, now time.Time) (float64, time.Time) {
	elapsed := now.Sub(last).Seconds()
	if elapsed <= 0 {
		return tokens, last
	}
	tokens += elapsed * perSecond
	if tokens > burst {
		tokens = burst
	}
	return tokens, now
}

// Allow consumes one write token for addr, returning false if the write
// bucket is empty (the caller should reject the in-flight EVENT).
func (l *L) Allow(addr string) bool { return l.AllowWrite(addr) }

// AllowWrite consumes one write token for addr.
func (l *L) AllowWrite(addr string) bool {
	b := l.get(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.writeTokens, b.lastWrite = refill(b.writeTokens, l.cfg.WriteBurst, l.cfg.WritePerSecond, b.lastWrite, now)
	if b.writeTokens < 1 {
		return false
	}
	b.writeTokens--
	return true
}

// AllowRead consumes one read token for addr, used for REQ/COUNT messages.
func (l *L) AllowRead(addr string) bool {
	b := l.get(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.readTokens, b.lastRead = refill(b.readTokens, l.cfg.ReadBurst, l.cfg.ReadPerSecond, b.lastRead, now)
	if b.readTokens < 1 {
		return false
	}
	b.readTokens--
	return true
}

// ConnBegin registers a new connection from addr, returning false if doing
// so would exceed Config.MaxConns.
func (l *L) ConnBegin(addr string) bool {
	if l.cfg.MaxConns <= 0 {
		return true
	}
	b := l.get(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns >= l.cfg.MaxConns {
		return false
	}
	b.conns++
	return true
}

// ConnEnd releases a connection slot previously reserved by ConnBegin.
func (l *L) ConnEnd(addr string) {
	b := l.get(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns > 0 {
		b.conns--
	}
}

// Sweep evicts buckets idle (no token consumption on either bucket) for
// longer than Config.IdleTTL and holding no open connections. Intended to
// run periodically from a background goroutine.
func (l *L) Sweep() {
	now := time.Now()
	var stale []string
	l.buckets.Range(func(addr string, b *bucket) bool {
		b.mu.Lock()
		last := b.lastWrite
		if b.lastRead.After(last) {
			last = b.lastRead
		}
		idle := now.Sub(last) > l.cfg.IdleTTL && b.conns == 0
		b.mu.Unlock()
		if idle {
			stale = append(stale, addr)
		}
		return true
	})
	for _, addr := range stale {
		l.buckets.Delete(addr)
	}
}

// Len returns the number of tracked addresses, for metrics/tests.
func (l *L) Len() int { return l.buckets.Size() }

// ReadLimiter adapts L to policy.RateLimiter for the read path, since
// policy.Decide* only ever calls Allow.
type ReadLimiter struct{ L *L }

func (r ReadLimiter) Allow(addr string) bool { return r.L.AllowRead(addr) }
