// Package wot builds and maintains web-of-trust membership sets for tenant
// instances per spec.md §4.G: a background crawl that fans out to discovery
// relays, follows the p-tag graph out to a configured depth, and publishes
// the resulting pubkey set through an atomically-swapped snapshot pointer.
// Grounded on the teacher's outbound relay client (pkg/protocol/ws/client.go,
// connection.go) for the dial/subscribe/read-until-EOSE shape, generalized
// here to a one-shot query helper since the crawl only ever needs a single
// REQ/EOSE round trip per relay per batch rather than a long-lived
// subscription pool.
package wot

import (
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"moar.dev/internal/apputil"
	"moar.dev/internal/log"
	"moar.dev/internal/nostr/envelope"
	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/xctx"
)

const (
	discoveryBudget = 8 * time.Second
	batchSize       = 50
	dialTimeout     = 5 * time.Second
)

// Status is the WoT task's state machine: pending -> building(k,d) ->
// ready(count, now) | error(msg), per spec.md §4.G.
type Status int

const (
	Pending Status = iota
	Building
	Ready
	Error
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of the Builder's current progress, safe to copy.
type State struct {
	Status    Status
	Depth     int       // current depth k, while Building
	TargetD   int       // configured max depth d
	Count     int       // member count, once Ready
	UpdatedAt time.Time // time of last state transition
	Err       string    // set when Status == Error
}

// Config describes one WoT's crawl parameters, set by the config service.
type Config struct {
	SeedPubkey          []byte
	Depth               int // d in {1..4}
	UpdateIntervalHours int
	DiscoveryRelays     []string
	StatePath           string // file the member set is persisted to
}

// Snapshot is the published, read-only view of a WoT's membership: the
// reflexive-transitive closure of the follows relation from the seed,
// bounded to Config.Depth. Readers never see a torn write; the Builder
// swaps the pointer atomically once a crawl completes.
type Snapshot struct {
	Members map[string]struct{} // hex pubkey -> member
	BuiltAt time.Time
}

// Contains reports whether pubkey (raw bytes) is a WoT member.
func (s *Snapshot) Contains(pubkey []byte) bool {
	if s == nil {
		return false
	}
	_, ok := s.Members[hex.EncodeToString(pubkey)]
	return ok
}

// persisted is the on-disk msgpack form of a Snapshot, grounded on the
// teacher's database.Subscription msgpack-struct idiom.
type persisted struct {
	Members []string  `msgpack:"members"`
	BuiltAt time.Time `msgpack:"built_at"`
}

// Builder runs one WoT's crawl loop and exposes its latest snapshot.
type Builder struct {
	cfg Config

	mu       sync.RWMutex
	state    State
	snapshot *Snapshot

	cancel xctx.F
	done   chan struct{}
}

// New constructs a Builder in the pending state. Call Start to begin
// crawling.
func New(cfg Config) *Builder {
	return &Builder{cfg: cfg, state: State{Status: Pending, TargetD: cfg.Depth}}
}

// Snapshot returns the most recently published membership set, or nil if
// no crawl has completed yet.
func (b *Builder) Snapshot() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// State returns the Builder's current status.
func (b *Builder) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Builder) setState(s State) {
	s.UpdatedAt = time.Now()
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start launches the background crawl loop: an immediate crawl, then a
// repeat every UpdateIntervalHours until ctx is canceled or Stop is called.
// Cancellation is cooperative: an in-flight crawl checks ctx between
// batches and abandons the rest of the frontier within one scheduling
// quantum, per spec.md §5.
func (b *Builder) Start(ctx xctx.T) {
	ctx, cancel := xctx.Cancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		b.runOnce(ctx)
		interval := time.Duration(b.cfg.UpdateIntervalHours) * time.Hour
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.runOnce(ctx)
			}
		}
	}()
}

// Stop cancels any in-flight crawl and waits for the loop goroutine to
// exit.
func (b *Builder) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
}

func (b *Builder) runOnce(ctx xctx.T) {
	if len(b.cfg.DiscoveryRelays) == 0 || len(b.cfg.SeedPubkey) == 0 {
		b.setState(State{Status: Error, TargetD: b.cfg.Depth, Err: "wot: no discovery relays or seed configured"})
		return
	}

	seed, err := fetchLatestFollowList(ctx, b.cfg.DiscoveryRelays, b.cfg.SeedPubkey)
	if err != nil {
		b.setState(State{Status: Error, TargetD: b.cfg.Depth, Err: err.Error()})
		return
	}

	members := map[string]struct{}{hex.EncodeToString(b.cfg.SeedPubkey): {}}
	frontier := pTagPubkeys(seed)
	for _, p := range frontier {
		members[hex.EncodeToString(p)] = struct{}{}
	}

	for k := 2; k <= b.cfg.Depth; k++ {
		b.setState(State{Status: Building, Depth: k, TargetD: b.cfg.Depth})
		if ctx.Err() != nil {
			break
		}
		if len(frontier) == 0 {
			break
		}
		next := expandFrontier(ctx, b.cfg.DiscoveryRelays, frontier)
		var fresh [][]byte
		for _, p := range next {
			key := hex.EncodeToString(p)
			if _, seen := members[key]; seen {
				continue
			}
			members[key] = struct{}{}
			fresh = append(fresh, p)
		}
		frontier = fresh
	}

	snap := &Snapshot{Members: members, BuiltAt: time.Now()}
	if b.cfg.StatePath != "" {
		if err := persist(b.cfg.StatePath, snap); err != nil {
			log.W.F("wot: failed to persist snapshot to %s: %v", b.cfg.StatePath, err)
		}
	}

	b.mu.Lock()
	b.snapshot = snap
	b.mu.Unlock()
	b.setState(State{Status: Ready, TargetD: b.cfg.Depth, Count: len(members)})
}

// pTagPubkeys extracts the p-tag pubkeys (depth 1) from a follow-list
// event.
func pTagPubkeys(ev *event.E) [][]byte {
	if ev == nil {
		return nil
	}
	var out [][]byte
	for _, row := range ev.Tags.GetAll("p") {
		if v := row.B(1); len(v) > 0 {
			if b, err := hex.DecodeString(string(v)); err == nil {
				out = append(out, b)
			}
		}
	}
	return out
}

// fetchLatestFollowList fans the seed's kind-3 lookup out to every
// discovery relay in parallel within an 8-second budget, per spec.md §4.G
// step 1, and returns the result with the largest created_at. Goroutine
// errors are swallowed rather than returned to errgroup.Wait, so one
// relay's failure never aborts the others' in-flight requests — the final
// set is always the best union of whatever answered in time.
func fetchLatestFollowList(ctx xctx.T, relays []string, seed []byte) (*event.E, error) {
	ctx, cancel := xctx.Timeout(ctx, discoveryBudget)
	defer cancel()

	one := 1
	f := filter.New()
	f.Authors = [][]byte{seed}
	f.Kinds = []*kind.T{kind.FollowList}
	f.Limit = &one

	results := make(chan *event.E, len(relays))
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range relays {
		u := u
		g.Go(func() error {
			evs, err := queryRelay(gctx, u, "wot-seed", filter.S{f})
			if err != nil {
				log.D.F("wot: discovery query to %s failed: %v", u, err)
				return nil
			}
			if best := latestOf(evs); best != nil {
				results <- best
			}
			return nil
		})
	}
	go func() { _ = g.Wait(); close(results) }()

	var best *event.E
	for ev := range results {
		if best == nil || ev.CreatedAt.I64() > best.CreatedAt.I64() {
			best = ev
		}
	}
	if best == nil {
		return nil, errors.New("wot: no discovery relay returned a follow-list event")
	}
	return best, nil
}

func latestOf(evs []*event.E) *event.E {
	var best *event.E
	for _, e := range evs {
		if best == nil || e.CreatedAt.I64() > best.CreatedAt.I64() {
			best = e
		}
	}
	return best
}

// expandFrontier batches authors into groups of at most batchSize and
// queries every relay for each batch's latest follow-list events,
// collecting the union of their p-tag pubkeys as the next frontier, per
// spec.md §4.G step 3. A batch that errors on every relay contributes
// nothing and is otherwise isolated: the rest of the frontier still
// expands, matching the "failures isolated per batch" semantics.
func expandFrontier(ctx xctx.T, relays []string, authors [][]byte) [][]byte {
	seen := map[string][]byte{}
	var mu sync.Mutex

	var wg sync.WaitGroup
	for start := 0; start < len(authors); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + batchSize
		if end > len(authors) {
			end = len(authors)
		}
		batch := authors[start:end]

		f := filter.New()
		f.Authors = append([][]byte(nil), batch...)
		f.Kinds = []*kind.T{kind.FollowList}

		latestPerAuthor := map[string]*event.E{}
		var lpMu sync.Mutex

		for _, u := range relays {
			u := u
			wg.Add(1)
			go func() {
				defer wg.Done()
				evs, err := queryRelay(ctx, u, "wot-batch", filter.S{f})
				if err != nil {
					log.D.F("wot: batch query to %s failed: %v", u, err)
					return
				}
				lpMu.Lock()
				for _, e := range evs {
					key := hex.EncodeToString(e.Pubkey)
					if cur, ok := latestPerAuthor[key]; !ok || e.CreatedAt.I64() > cur.CreatedAt.I64() {
						latestPerAuthor[key] = e
					}
				}
				lpMu.Unlock()
			}()
		}
		wg.Wait()

		mu.Lock()
		for _, e := range latestPerAuthor {
			for _, p := range pTagPubkeys(e) {
				seen[hex.EncodeToString(p)] = p
			}
		}
		mu.Unlock()
	}

	out := make([][]byte, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}

// queryRelay dials url, sends a single REQ for filters, and collects
// EVENT results until EOSE, CLOSED, a read error, or ctx expiry, whichever
// comes first. It always returns whatever events were collected before
// the stopping condition rather than discarding partial progress, since
// callers treat a relay's contribution as best-effort.
func queryRelay(ctx xctx.T, url, subId string, filters filter.S) ([]*event.E, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	req := &envelope.Req{SubscriptionId: subId, Filters: filters}
	b, err := req.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil, err
	}

	var events []*event.E
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return events, nil
		}
		env, err := envelope.Parse(msg)
		if err != nil {
			continue
		}
		switch e := env.(type) {
		case *envelope.Event:
			if e.Event != nil {
				events = append(events, e.Event)
			}
		case *envelope.EOSE:
			closeEnv := &envelope.Close{SubscriptionId: subId}
			if cb, err := closeEnv.MarshalJSON(); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, cb)
			}
			return events, nil
		case *envelope.Closed:
			return events, nil
		}
	}
}

// persist writes snap to path atomically (see apputil.AtomicWriteFile);
// this is the "atomic snapshot pointer" spec.md §5 asks for at the
// filesystem level, complementing the in-memory pointer swap in runOnce.
func persist(path string, snap *Snapshot) error {
	p := persisted{BuiltAt: snap.BuiltAt, Members: make([]string, 0, len(snap.Members))}
	for k := range snap.Members {
		p.Members = append(p.Members, k)
	}
	data, err := msgpack.Marshal(p)
	if err != nil {
		return err
	}
	return apputil.AtomicWriteFile(path, data)
}

// Load reads a previously persisted snapshot from path, for restoring a
// WoT's membership set across restarts without waiting for the next
// scheduled crawl.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p persisted
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	members := make(map[string]struct{}, len(p.Members))
	for _, m := range p.Members {
		members[m] = struct{}{}
	}
	return &Snapshot{Members: members, BuiltAt: p.BuiltAt}, nil
}
