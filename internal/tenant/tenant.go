// Package tenant wires one config.Relay's durable configuration into a
// running set of components: an event store, policy engine, rate limiter,
// subscription dispatcher, and the session/gateway instances the router and
// socket layer consume. It is the one place spec.md §4.F's tenant-per-host
// model meets §4.I's config document: a Relay document in, a runnable
// gateway.Instance out. Grounded on the teacher's app.Relay/database.New
// pairing in main.go, generalized from one process-wide relay to many
// independently constructed tenants.
package tenant

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"moar.dev/internal/config"
	"moar.dev/internal/dispatcher"
	"moar.dev/internal/gateway"
	"moar.dev/internal/nostr/bech32"
	"moar.dev/internal/paywall"
	"moar.dev/internal/policy"
	"moar.dev/internal/ratelimit"
	"moar.dev/internal/session"
	"moar.dev/internal/store"
	"moar.dev/internal/wot"
)

// decodePubkey accepts either 64-char hex or npub1... bech32 and returns
// the raw 32 bytes. config.validPubkeyRef already guarantees the config
// document only ever holds values one of these two branches accepts.
func decodePubkey(v string) ([]byte, error) {
	if b, err := hex.DecodeString(v); err == nil && len(b) == 32 {
		return b, nil
	}
	return bech32.DecodePubkey(v)
}

func decodePubkeys(vs []string) ([][]byte, error) {
	out := make([][]byte, 0, len(vs))
	for _, v := range vs {
		b, err := decodePubkey(v)
		if err != nil {
			return nil, fmt.Errorf("tenant: %q: %w", v, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// membership bridges policy.Membership to the (possibly nil) wot.Builder
// and paywall.Controller a relay references; either side is optional, so a
// relay with no wot_id/paywall_id still gets a working, always-false
// Membership rather than a nil-pointer panic in the policy engine.
type membership struct {
	wot     *wot.Builder
	paywall *paywall.Controller
}

func (m *membership) IsWotMember(pubkey []byte) bool {
	if m.wot == nil {
		return false
	}
	snap := m.wot.Snapshot()
	return snap != nil && snap.Contains(pubkey)
}

func (m *membership) IsPaywallWhitelisted(pubkey []byte) bool {
	if m.paywall == nil {
		return false
	}
	return m.paywall.IsWhitelisted(pubkey)
}

// Handles is every live component built for one relay, returned so the
// caller (main.go's reconciliation loop) can register them with the admin
// Registry and shut them down cleanly.
type Handles struct {
	Relay      config.Relay
	Store      *store.S
	Dispatcher *dispatcher.D
	RateLimit  *ratelimit.L
	Wot        *wot.Builder        // nil when the relay has no wot_id
	Paywall    *paywall.Controller // nil when the relay has no paywall_id
	Instance   *gateway.Instance

	sweepDone chan struct{}
}

// Build constructs every component one relay needs from its config
// document row plus the WoT/paywall rows it references, and the
// deployment-wide discovery relay list WoT crawling uses. dataDir is the
// root directory per-instance state (event store, WoT/paywall persistence
// files) lives under when the relay's own DbPath is relative.
func Build(r config.Relay, doc config.Document, dataDir string) (*Handles, error) {
	dbPath := r.DbPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dataDir, dbPath)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: open store: %w", r.Id, err)
	}

	blocked, err := decodePubkeys(r.BlockedPubkeys)
	if err != nil {
		st.Close()
		return nil, err
	}
	allowed, err := decodePubkeys(r.AllowedPubkeys)
	if err != nil {
		st.Close()
		return nil, err
	}
	tagged, err := decodePubkeys(r.TaggedPubkeys)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := &membership{}
	var wotBuilder *wot.Builder
	if r.WotId != "" {
		for _, w := range doc.Wots {
			if w.Id == r.WotId {
				seed, serr := decodePubkey(w.SeedPubkey)
				if serr != nil {
					st.Close()
					return nil, fmt.Errorf("tenant %s: wot %s: %w", r.Id, w.Id, serr)
				}
				wotBuilder = wot.New(wot.Config{
					SeedPubkey:          seed,
					Depth:               w.Depth,
					UpdateIntervalHours: w.UpdateIntervalHours,
					DiscoveryRelays:     doc.DiscoveryRelays,
					StatePath:           filepath.Join(dataDir, "wot-"+w.Id+".msgpack"),
				})
				break
			}
		}
	}
	m.wot = wotBuilder

	var paywallCtrl *paywall.Controller
	if r.PaywallId != "" {
		for _, p := range doc.Paywalls {
			if p.Id == r.PaywallId {
				paywallCtrl, err = paywall.New(paywall.Config{
					WalletURI:      p.WalletURI,
					PriceSats:      p.PriceSats,
					PeriodDays:     p.PeriodDays,
					WhitelistPath:  filepath.Join(dataDir, "paywall-"+p.Id+"-whitelist.msgpack"),
					CheckpointPath: filepath.Join(dataDir, "paywall-"+p.Id+"-checkpoint.msgpack"),
				})
				if err != nil {
					st.Close()
					return nil, fmt.Errorf("tenant %s: paywall %s: %w", r.Id, p.Id, err)
				}
				break
			}
		}
	}
	m.paywall = paywallCtrl

	pol := &policy.Instance{
		MinSkewPast:      r.MinSkewPastSecs,
		MaxSkewFuture:    r.MaxSkewFutureSecs,
		MaxContentLength: r.MaxContentLength,
		AllowedKinds:     r.AllowedKinds,
		BlockedKinds:     r.BlockedKinds,
		MinPow:           r.MinPow,
		BlockedPubkeys:   blocked,
		AllowedPubkeys:   allowed,
		TaggedPubkeys:    tagged,
		WotName:          r.WotId,
		PaywallName:      r.PaywallId,
		RequireAuth:      r.RequireAuth,
		Membership:       m,
	}

	rl := ratelimit.New(ratelimit.Config{
		WriteBurst:     nonZero(r.WriteBurst, ratelimit.DefaultConfig().WriteBurst),
		WritePerSecond: nonZero(r.WritePerSecond, ratelimit.DefaultConfig().WritePerSecond),
		ReadBurst:      nonZero(r.ReadBurst, ratelimit.DefaultConfig().ReadBurst),
		ReadPerSecond:  nonZero(r.ReadPerSecond, ratelimit.DefaultConfig().ReadPerSecond),
		MaxConns:       ratelimit.DefaultConfig().MaxConns,
		IdleTTL:        ratelimit.DefaultConfig().IdleTTL,
	})

	d := dispatcher.New()

	host := r.Subdomain + "." + doc.Domain
	info := gateway.DefaultRelayInfo(r.Name, r.RequireAuth)
	if r.Description != "" {
		info.Description = r.Description
	}
	if r.ContactPub != "" {
		info.Contact = r.ContactPub
	}
	info.Limitation.MaxMessageLen = r.MaxContentLength

	instance := &gateway.Instance{
		Host:      host,
		Subdomain: r.Subdomain,
		Info:      info,
		Session: &session.Instance{
			Store:       st,
			Policy:      pol,
			RateLimit:   rl,
			Dispatcher:  d,
			RequireAuth: r.RequireAuth,
			ServiceURL:  "wss://" + host,
		},
	}

	sweepDone := make(chan struct{})
	go runSweepLoop(rl, sweepDone)

	return &Handles{
		Relay:      r,
		Store:      st,
		Dispatcher: d,
		RateLimit:  rl,
		Wot:        wotBuilder,
		Paywall:    paywallCtrl,
		Instance:   instance,
		sweepDone:  sweepDone,
	}, nil
}

// runSweepLoop evicts idle rate-limit buckets every minute until done is
// closed, so an address that stops talking to a relay doesn't hold its
// bucket in memory forever (spec.md §4.C's 10-minute idle decay).
func runSweepLoop(rl *ratelimit.L, done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-done:
			return
		}
	}
}

func nonZero(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// Stop tears down every background goroutine a Handles started and closes
// its store. The gateway.Instance itself is stateless once removed from the
// router.
func (h *Handles) Stop() {
	close(h.sweepDone)
	if h.Wot != nil {
		h.Wot.Stop()
	}
	if h.Paywall != nil {
		h.Paywall.Stop()
	}
	h.Dispatcher.Stop()
	_ = h.Store.Close()
}
