package session

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"moar.dev/internal/dispatcher"
	"moar.dev/internal/log"
	"moar.dev/internal/nostr/envelope"
	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/policy"
	"moar.dev/internal/ratelimit"
	"moar.dev/internal/store"
)

const (
	// DefaultMaxSubs caps how many concurrently open subscriptions one
	// session may hold, per spec.md §4.E.
	DefaultMaxSubs = 20
	// DefaultMaxFrameSize is the largest single text frame a session
	// accepts before closing with NOTICE then 1009, per spec.md §6.
	DefaultMaxFrameSize = 128 * 1024

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait / 2
	idleTTL    = 5 * time.Minute
)

// state is the session's position in the Opened -> Authed? -> Closing ->
// Closed lifecycle spec.md §4.E names. Authed is a side flag rather than an
// exclusive state since an authed session can still receive further
// traffic exactly like an unauthed one; Closing/Closed are terminal.
type state int

const (
	stateOpened state = iota
	stateClosing
	stateClosed
)

// Instance is the subset of per-tenant wiring a Session needs: its event
// store, policy decision function, rate limiter, and subscription
// dispatcher. The gateway router constructs one of these per tenant and
// hands it to every Session opened against that tenant's host.
type Instance struct {
	Store      *store.S
	Policy     *policy.Instance
	RateLimit  *ratelimit.L
	Dispatcher *dispatcher.D

	MaxSubs       int
	MaxFrameSize  int64
	RequireAuth   bool
	ServiceURL    string
}

// Session drives one accepted WebSocket connection: it owns the connection's
// auth/challenge state, its live subscription set, and sequential
// processing of inbound frames. Unlike the teacher's socketapi, which
// dispatches each message via `go a.HandleMessage(msg)` (concurrent, so two
// frames can race), Session.Serve processes frames one at a time on a
// single goroutine so the ordering guarantees in spec.md §4.E (OK before
// the next EVENT's ack, historical-before-EOSE) hold without extra
// bookkeeping.
type Session struct {
	id   string
	conn Conn
	in   *Instance

	mu           sync.Mutex
	authed       bool
	authedPubkey []byte
	challenge    []byte
	st           state

	subs map[string]bool // subscription ids currently registered
}

// New creates a Session bound to conn and in. id should be unique per
// connection (the gateway uses a monotonic counter or the remote address
// plus a nonce); it is the key the dispatcher's subscription registry uses.
func New(id string, conn Conn, in *Instance) *Session {
	if in.MaxSubs <= 0 {
		in.MaxSubs = DefaultMaxSubs
	}
	if in.MaxFrameSize <= 0 {
		in.MaxFrameSize = DefaultMaxFrameSize
	}
	s := &Session{id: id, conn: conn, in: in, subs: map[string]bool{}}
	if in.RequireAuth {
		chal, err := schnorr.RandomBytes(16)
		if err == nil {
			s.challenge = []byte(hex.EncodeToString(chal))
		}
	}
	return s
}

// Serve runs the connection's read loop until the socket closes or done
// fires. It blocks the calling goroutine; callers run it in its own
// goroutine per accepted connection, mirroring the teacher's
// socketapi.A.Serve.
func (s *Session) Serve(done <-chan struct{}) {
	defer s.teardown()

	s.conn.SetReadLimit(s.in.MaxFrameSize + 1) // +1 so we can detect an overrun rather than silently truncating
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if s.challenge != nil {
		s.writeEnvelope(&envelope.Auth{Challenge: string(s.challenge)})
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	go s.pinger(ticker, done)

	for {
		select {
		case <-done:
			return
		default:
		}
		typ, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if typ == websocket.BinaryMessage {
			s.closeProtocolViolation("binary frames are not accepted")
			return
		}
		if int64(len(msg)) > s.in.MaxFrameSize {
			s.writeEnvelope(&envelope.Notice{Message: "frame too large"})
			s.closeWithCode(websocket.CloseMessageTooBig)
			return
		}
		s.handleMessage(msg)
	}
}

func (s *Session) pinger(ticker *time.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.st = stateClosed
	s.mu.Unlock()
	if s.in.Dispatcher != nil {
		s.in.Dispatcher.UnsubscribeAll(s.id)
	}
	_ = s.conn.Close()
}

func (s *Session) remoteAddr() string { return s.conn.RemoteAddr() }

func (s *Session) writeEnvelope(e envelope.I) {
	b, err := e.MarshalJSON()
	if err != nil {
		log.E.F("session %s: failed to marshal %s envelope: %v", s.id, e.Label(), err)
		return
	}
	if err = s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.D.F("session %s: write failed: %v", s.id, err)
	}
}

// closeProtocolViolation implements spec.md §4.E's close sequence:
// NOTICE, then CLOSED for every open subscription, then a normal
// (1000) WebSocket close.
func (s *Session) closeProtocolViolation(reason string) {
	s.writeEnvelope(&envelope.Notice{Message: reason})
	s.mu.Lock()
	subIds := make([]string, 0, len(s.subs))
	for id := range s.subs {
		subIds = append(subIds, id)
	}
	s.st = stateClosing
	s.mu.Unlock()
	for _, id := range subIds {
		s.writeEnvelope(&envelope.Closed{SubscriptionId: id, Message: "protocol violation"})
	}
	s.closeWithCode(websocket.CloseNormalClosure)
}

// Shutdown sends a NOTICE then closes the underlying connection, unblocking
// Serve's read loop. Used by the gateway router to drain sessions during
// process shutdown (spec.md §5).
func (s *Session) Shutdown(notice string) {
	s.writeEnvelope(&envelope.Notice{Message: notice})
	s.closeWithCode(websocket.CloseGoingAway)
}

func (s *Session) closeWithCode(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = s.conn.Close()
}

func (s *Session) handleMessage(raw []byte) {
	env, err := envelope.Parse(raw)
	if err != nil {
		// Parse failures count against the write-rate budget (spec.md
		// §4.E) rather than being free to retry indefinitely.
		s.in.RateLimit.AllowWrite(s.remoteAddr())
		s.writeEnvelope(&envelope.Notice{Message: fmt.Sprintf("bad envelope: %v", err)})
		return
	}
	switch e := env.(type) {
	case *envelope.Event:
		s.handleEvent(e)
	case *envelope.Req:
		s.handleReq(e)
	case *envelope.Close:
		s.handleClose(e)
	case *envelope.Auth:
		s.handleAuth(e)
	case *envelope.Count:
		s.handleCount(e)
	default:
		s.writeEnvelope(&envelope.Notice{Message: "unsupported envelope"})
	}
}

func (s *Session) handleEvent(e *envelope.Event) {
	ev := e.Event
	s.mu.Lock()
	principal := s.authedPubkey
	s.mu.Unlock()

	d := s.in.Policy.DecideWriteEvent(ev, principal, time.Now().Unix(), s.in.RateLimit, s.remoteAddr())
	if !d.Allow {
		s.writeEnvelope(&envelope.OK{EventId: ev.IdString(), Accepted: false, Message: string(d.Reason)})
		return
	}

	if ev.Kind.Equal(kind.Deletion) {
		s.processDeletion(ev)
	}

	stored, err := s.in.Store.Store(ev)
	if err != nil {
		log.E.F("session %s: store failed for %s: %v", s.id, ev.IdString(), err)
		s.writeEnvelope(&envelope.OK{EventId: ev.IdString(), Accepted: false, Message: "error: could not store event"})
		return
	}
	// OK is written before Commit fans the event out, so a subscriber on
	// this same connection can never observe its own EVENT arrive before
	// its OK, satisfying spec.md §4.E's acknowledgement-ordering rule.
	s.writeEnvelope(&envelope.OK{EventId: ev.IdString(), Accepted: true})
	if (stored || ev.Kind.IsEphemeral()) && s.in.Dispatcher != nil {
		s.in.Dispatcher.Commit(ev)
	}
}

// processDeletion implements the NIP-09 deletion side effect: any 'e'-tagged
// referenced event, authored by the same pubkey, is removed from the store.
// Generalized from the teacher's handleEvent.go deletion branch; 'a'-tag
// (parametrised-replaceable) deletion targeting is left to a future
// iteration — see DESIGN.md.
func (s *Session) processDeletion(ev *event.E) {
	for i := 0; i < ev.Tags.Len(); i++ {
		t := ev.Tags.Get(i)
		if t.Len() < 2 || t.S(0) != "e" {
			continue
		}
		idHex := t.S(1)
		id, err := hexDecode(idHex)
		if err != nil {
			continue
		}
		f := filter.New()
		f.Ids = [][]byte{id}
		referenced, err := s.in.Store.Query(filter.S{f})
		if err != nil || len(referenced) == 0 {
			continue
		}
		if string(referenced[0].Pubkey) != string(ev.Pubkey) {
			continue
		}
		if _, err = s.in.Store.Delete(id); err != nil {
			log.W.F("session %s: deletion of %s failed: %v", s.id, idHex, err)
		}
	}
}

func (s *Session) handleReq(e *envelope.Req) {
	s.mu.Lock()
	principal := s.authedPubkey
	alreadyOpen := len(s.subs)
	_, replacing := s.subs[e.SubscriptionId]
	s.mu.Unlock()

	if !replacing && alreadyOpen >= s.in.MaxSubs {
		s.writeEnvelope(&envelope.Closed{SubscriptionId: e.SubscriptionId, Message: "too many concurrent subscriptions"})
		return
	}

	for _, f := range e.Filters {
		if f.Limit != nil && *f.Limit == 0 {
			s.writeEnvelope(&envelope.Closed{SubscriptionId: e.SubscriptionId, Message: "limit 0 is not accepted"})
			return
		}
	}

	d := s.in.Policy.DecideReadFilter(e.Filters, principal, ratelimit.ReadLimiter{L: s.in.RateLimit}, s.remoteAddr())
	if !d.Allow {
		s.writeEnvelope(&envelope.Closed{SubscriptionId: e.SubscriptionId, Message: string(d.Reason)})
		return
	}

	// Register the live subscription before running the historical query
	// so no commit occurring mid-scan is missed, then splice: historical
	// events first (in the store's newest-first order), any events
	// buffered on Out during the
	// scan next (deduped against the historical set, sorted by created_at
	// then id), then EOSE.
	sub := &dispatcher.Sub{
		SessionId:  s.id,
		SubId:      e.SubscriptionId,
		Filters:    e.Filters,
		Out:        make(chan *event.E, dispatcher.DefaultBacklog),
		Overloaded: make(chan struct{}),
	}
	if s.in.Dispatcher != nil {
		s.in.Dispatcher.Subscribe(sub)
	}
	s.mu.Lock()
	s.subs[e.SubscriptionId] = true
	s.mu.Unlock()

	historical, err := s.in.Store.Query(e.Filters)
	if err != nil {
		log.E.F("session %s: query failed: %v", s.id, err)
		historical = nil
	}
	seen := make(map[string]bool, len(historical))
	for _, ev := range historical {
		seen[ev.IdString()] = true
		s.writeEnvelope(&envelope.Event{SubscriptionId: e.SubscriptionId, Event: ev})
	}

	var buffered []*event.E
	drain := true
	for drain {
		select {
		case ev := <-sub.Out:
			if !seen[ev.IdString()] {
				buffered = append(buffered, ev)
				seen[ev.IdString()] = true
			}
		default:
			drain = false
		}
	}
	sort.Slice(buffered, func(i, j int) bool {
		if buffered[i].CreatedAt.I64() != buffered[j].CreatedAt.I64() {
			return buffered[i].CreatedAt.I64() < buffered[j].CreatedAt.I64()
		}
		return buffered[i].IdString() < buffered[j].IdString()
	})
	for _, ev := range buffered {
		s.writeEnvelope(&envelope.Event{SubscriptionId: e.SubscriptionId, Event: ev})
	}

	s.writeEnvelope(&envelope.EOSE{SubscriptionId: e.SubscriptionId})

	if s.in.Dispatcher != nil {
		go s.pumpLive(sub)
	}
}

// pumpLive forwards events the dispatcher delivers after EOSE to the
// client, until the subscription is cancelled or marked overloaded.
func (s *Session) pumpLive(sub *dispatcher.Sub) {
	for {
		select {
		case ev, ok := <-sub.Out:
			if !ok {
				return
			}
			s.writeEnvelope(&envelope.Event{SubscriptionId: sub.SubId, Event: ev})
		case <-sub.Overloaded:
			s.writeEnvelope(&envelope.Closed{SubscriptionId: sub.SubId, Message: "overloaded"})
			s.mu.Lock()
			delete(s.subs, sub.SubId)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Session) handleClose(e *envelope.Close) {
	s.mu.Lock()
	_, ok := s.subs[e.SubscriptionId]
	delete(s.subs, e.SubscriptionId)
	s.mu.Unlock()
	if ok && s.in.Dispatcher != nil {
		s.in.Dispatcher.Unsubscribe(s.id, e.SubscriptionId)
	}
	// Silent success, per spec.md §4.E.
}

func (s *Session) handleAuth(e *envelope.Auth) {
	if e.Event == nil {
		s.writeEnvelope(&envelope.Notice{Message: "AUTH requires a signed event"})
		return
	}
	valid, err := e.Event.Verify()
	if err != nil || !valid {
		s.writeEnvelope(&envelope.OK{EventId: e.Event.IdString(), Accepted: false, Message: "invalid: bad signature"})
		return
	}
	s.mu.Lock()
	challenge := s.challenge
	s.mu.Unlock()
	if !authEventMatchesChallenge(e.Event, challenge, s.in.ServiceURL) {
		s.writeEnvelope(&envelope.OK{EventId: e.Event.IdString(), Accepted: false, Message: "invalid: auth event does not match challenge"})
		return
	}
	s.mu.Lock()
	s.authed = true
	s.authedPubkey = e.Event.Pubkey
	s.mu.Unlock()
	s.writeEnvelope(&envelope.OK{EventId: e.Event.IdString(), Accepted: true})
}

// authEventMatchesChallenge implements the NIP-42-style check spec.md §3/
// §4.B describe: the AUTH event must carry a "relay" tag naming this
// service's URL and a "challenge" tag matching the one this session issued,
// and must be recent.
func authEventMatchesChallenge(ev *event.E, challenge []byte, serviceURL string) bool {
	if len(challenge) == 0 {
		return false
	}
	if t := ev.Tags.GetFirst("challenge"); t == nil || t.S(1) != string(challenge) {
		return false
	}
	if serviceURL != "" {
		if t := ev.Tags.GetFirst("relay"); t == nil || !urlsEquivalent(t.S(1), serviceURL) {
			return false
		}
	}
	now := time.Now().Unix()
	if d := ev.CreatedAt.I64() - now; d > 600 || d < -600 {
		return false
	}
	return true
}

func urlsEquivalent(a, b string) bool {
	trim := func(s string) string {
		for _, suffix := range []string{"/"} {
			if len(s) > 0 && s[len(s)-1:] == suffix {
				s = s[:len(s)-1]
			}
		}
		return s
	}
	return trim(a) == trim(b)
}

func (s *Session) handleCount(e *envelope.Count) {
	s.mu.Lock()
	principal := s.authedPubkey
	s.mu.Unlock()
	d := s.in.Policy.DecideReadFilter(e.Filters, principal, ratelimit.ReadLimiter{L: s.in.RateLimit}, s.remoteAddr())
	if !d.Allow {
		s.writeEnvelope(&envelope.Closed{SubscriptionId: e.SubscriptionId, Message: string(d.Reason)})
		return
	}
	n, err := s.in.Store.Count(e.Filters)
	if err != nil {
		s.writeEnvelope(&envelope.Closed{SubscriptionId: e.SubscriptionId, Message: "count failed"})
		return
	}
	s.writeEnvelope(&envelope.Count{SubscriptionId: e.SubscriptionId, Result: &n})
}

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }
