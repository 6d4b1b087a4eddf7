// Package gateway implements the host-based router spec.md §4.F describes:
// it selects a tenant instance from the HTTP Host header, serves NIP-11
// metadata, upgrades WebSocket connections into sessions, serves landing
// pages, and answers the Caddy on-demand TLS ask endpoint. Grounded on the
// teacher's app/realy/server.go (ServeHTTP's Accept/Upgrade-header
// dispatch, cors.Default().Handler wiring) generalized from a single
// relay's root path to many tenants keyed by subdomain.
package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/cors"

	"moar.dev/internal/log"
	"moar.dev/internal/session"
	"moar.dev/internal/version"
)

// Instance is everything the router needs to serve one tenant: its session
// wiring, NIP-11 document, and optional landing page.
type Instance struct {
	Host        string // fully-qualified "<subdomain>.<root-domain>", lower-cased
	Subdomain   string
	Session     *session.Instance
	Info        *RelayInfo
	LandingHTML []byte // nil uses the default landing page
}

// RelayInfo is the NIP-11 relay information document. Field shape grounded
// on the teacher's relayinfo.T call sites (handleRelayinfo.go): name,
// description, supported NIP list, software/version, and a limitation
// sub-object carrying auth_required. Reduced here to the fields spec.md's
// NIP-11 mention implies a gateway instance needs; a full NIP-11 document
// has more optional fields a tenant could set via the config service later.
type RelayInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Pubkey        string `json:"pubkey,omitempty"`
	Contact       string `json:"contact,omitempty"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software"`
	Version       string `json:"version"`
	Limitation    struct {
		AuthRequired  bool `json:"auth_required"`
		PaymentReq    bool `json:"payment_required"`
		MaxMessageLen int  `json:"max_message_length,omitempty"`
	} `json:"limitation"`
}

// defaultSupportedNIPs lists the protocol features this gateway implements,
// mirroring the teacher's handleRelayinfo.go list minus the NIPs this
// implementation doesn't carry (marketplace, expiration, protected events).
var defaultSupportedNIPs = []int{1, 9, 11, 12, 42, 45}

// DefaultRelayInfo builds a RelayInfo for an instance that hasn't been
// given custom NIP-11 metadata via the config service.
func DefaultRelayInfo(name string, authRequired bool) *RelayInfo {
	ri := &RelayInfo{
		Name:          name,
		Description:   version.Description,
		SupportedNIPs: defaultSupportedNIPs,
		Software:      "https://github.com/moar-dev/moar",
		Version:       version.V,
	}
	ri.Limitation.AuthRequired = authRequired
	return ri
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router dispatches incoming HTTP requests to the matching tenant Instance
// by Host header, or to the admin surface on an exact root-domain match.
type Router struct {
	RootDomain string
	// Admin, when non-nil, handles requests whose Host equals RootDomain
	// exactly (the multi-tenant admin surface, built separately in
	// internal/admin).
	Admin http.Handler
	// DefaultLandingHTML is served for a matched instance that has no
	// custom landing page.
	DefaultLandingHTML []byte

	mu        sync.RWMutex
	instances map[string]*Instance // keyed by lower-cased host

	nextSessionId uint64
	sessionMu     sync.Mutex
	sessions      map[string]*session.Session // keyed by session id, live connections
}

// NewRouter creates an empty Router for rootDomain (e.g. "moar.example").
func NewRouter(rootDomain string) *Router {
	return &Router{
		RootDomain: strings.ToLower(rootDomain),
		instances:  map[string]*Instance{},
		sessions:   map[string]*session.Session{},
	}
}

// Shutdown sends every currently-open session a NOTICE and closes it,
// waiting up to timeout for their read loops to unwind before returning.
// Grounded on spec.md §5's shutdown sequence: sessions get a drain window
// before the process exits.
func (r *Router) Shutdown(timeout time.Duration) {
	r.sessionMu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessionMu.Unlock()
	for _, s := range sessions {
		s.Shutdown("shutdown")
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.sessionMu.Lock()
		n := len(r.sessions)
		r.sessionMu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Put installs or replaces a tenant instance, keyed by its lower-cased host.
func (r *Router) Put(in *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[strings.ToLower(in.Host)] = in
}

// Remove drops a tenant instance from routing; it does not touch the
// instance's on-disk state (spec.md §3: "deletion unlinks metadata but
// never removes the underlying files").
func (r *Router) Remove(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, strings.ToLower(host))
}

// SetLandingHTML updates the landing page of an already-installed
// instance in place, for the admin surface's relay-page endpoints. html
// nil reverts the instance to the router's default landing page.
func (r *Router) SetLandingHTML(host string, html []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.instances[strings.ToLower(host)]
	if !ok {
		return false
	}
	in.LandingHTML = html
	return true
}

func (r *Router) lookup(host string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instances[host]
	return in, ok
}

// Has reports whether host (lower-cased, already port-stripped) matches a
// known instance or the root domain, for the caddy-ask endpoint.
func (r *Router) Has(host string) bool {
	host = strings.ToLower(host)
	if host == r.RootDomain {
		return true
	}
	_, ok := r.lookup(host)
	return ok
}

// hostWithoutPort strips a trailing ":port" from an HTTP Host header value.
// A bracketed IPv6 literal ("[::1]:8080") is handled by net.SplitHostPort;
// a bare hostname with no port is returned unchanged since SplitHostPort
// errors on it.
func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// ServeHTTP implements http.Handler, dispatching by Host per spec.md §4.F.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	host := strings.ToLower(hostWithoutPort(req.Host))

	if req.URL.Path == "/.well-known/caddy-ask" {
		r.serveCaddyAsk(w, req)
		return
	}

	if host == r.RootDomain {
		if r.Admin != nil {
			r.Admin.ServeHTTP(w, req)
			return
		}
		http.NotFound(w, req)
		return
	}

	in, ok := r.lookup(host)
	if !ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found\n"))
		return
	}

	switch {
	case req.Header.Get("Upgrade") == "websocket":
		r.serveWebsocket(w, req, in)
	case acceptsNostrJSON(req):
		r.serveRelayInfo(w, in)
	default:
		r.serveLanding(w, in)
	}
}

func acceptsNostrJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/nostr+json")
}

func (r *Router) serveCaddyAsk(w http.ResponseWriter, req *http.Request) {
	domain := strings.ToLower(req.URL.Query().Get("domain"))
	if r.Has(domain) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (r *Router) serveRelayInfo(w http.ResponseWriter, in *Instance) {
	w.Header().Set("Content-Type", "application/nostr+json")
	if err := json.NewEncoder(w).Encode(in.Info); err != nil {
		log.E.F("gateway: failed to encode NIP-11 info for %s: %v", in.Host, err)
	}
}

func (r *Router) serveLanding(w http.ResponseWriter, in *Instance) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	body := in.LandingHTML
	if body == nil {
		body = r.DefaultLandingHTML
	}
	if body == nil {
		body = []byte(defaultLandingPage(in.Host))
	}
	_, _ = w.Write(body)
}

func defaultLandingPage(host string) string {
	return "<!doctype html><html><head><title>" + host +
		"</title></head><body><h1>" + host +
		"</h1><p>This is a Nostr relay instance.</p></body></html>"
}

func (r *Router) serveWebsocket(w http.ResponseWriter, req *http.Request, in *Instance) {
	addr := req.RemoteAddr
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		addr = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if rl := in.Session.RateLimit; rl != nil && !rl.ConnBegin(addr) {
		log.W.F("gateway: %s: %s over the per-IP connection cap", in.Host, addr)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer func() {
		if rl := in.Session.RateLimit; rl != nil {
			rl.ConnEnd(addr)
		}
	}()
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.W.F("gateway: websocket upgrade failed for %s: %v", in.Host, err)
		return
	}
	wsConn := session.NewWSConn(conn, req)

	id := r.newSessionId(in.Host)
	sess := session.New(id, wsConn, in.Session)
	r.sessionMu.Lock()
	r.sessions[id] = sess
	r.sessionMu.Unlock()
	defer func() {
		r.sessionMu.Lock()
		delete(r.sessions, id)
		r.sessionMu.Unlock()
	}()
	done := make(chan struct{})
	defer close(done)
	sess.Serve(done)
}

func (r *Router) newSessionId(host string) string {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	r.nextSessionId++
	return host + "#" + strconv.FormatUint(r.nextSessionId, 10)
}

// WithCORS wraps h the way the teacher's Start method does
// (cors.Default().Handler(s)), permissive by default since MOAR instances
// are intentionally publicly reachable relays.
func WithCORS(h http.Handler) http.Handler {
	return cors.Default().Handler(h)
}
