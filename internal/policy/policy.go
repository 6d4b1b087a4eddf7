// Package policy implements the gateway's pure accept/reject decision
// function for WriteEvent and ReadFilter operations, per spec.md §4.B.
// Grounded on the teacher's app/relay.AcceptEvent shape (a single decision
// function taking the event, the authenticated pubkey, and the instance's
// auth requirement) generalized to the full ordered rule set spec.md
// names, including pow/kind/pubkey gating the teacher's stub left out.
package policy

import (
	"math/bits"

	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
	"moar.dev/internal/nostr/tag"
)

// Op names the kind of decision being requested.
type Op int

const (
	OpWriteEvent Op = iota
	OpReadFilter
	OpAuthenticate
)

// Reason is the machine-readable rejection category, echoed in the OK/
// CLOSED/NOTICE message text.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInvalidEvent       Reason = "invalid: signature or id mismatch"
	ReasonRejectedTimestamp  Reason = "rejected: created_at outside allowed skew"
	ReasonRejectedTooLarge   Reason = "rejected: content too large"
	ReasonRejectedKind       Reason = "rejected: kind not allowed"
	ReasonRejectedPow        Reason = "rejected: insufficient proof of work"
	ReasonRejectedAuth       Reason = "rejected: pubkey not permitted"
	ReasonAuthRequired       Reason = "auth-required: this relay requires authentication"
	ReasonRateLimited        Reason = "rate-limited: slow down"
)

// Decision is the outcome of Decide: either Allow (Reason == ReasonNone)
// or a rejection carrying the Reason to report to the client.
type Decision struct {
	Allow  bool
	Reason Reason
}

func allow() Decision   { return Decision{Allow: true} }
func reject(r Reason) Decision { return Decision{Allow: false, Reason: r} }

// Membership looks up the pluggable capability surfaces (WoT, paywall
// whitelist) the instance may be wired to. A gate applies only when its
// WotName/PaywallName is set; with the name set and a nil Membership, the
// gate rejects every pubkey.
type Membership interface {
	// IsWotMember reports whether pubkey belongs to the instance's
	// configured web-of-trust member set.
	IsWotMember(pubkey []byte) bool
	// IsPaywallWhitelisted reports whether pubkey currently holds a
	// non-expired paywall whitelist entry.
	IsPaywallWhitelisted(pubkey []byte) bool
}

// RateLimiter is the subset of ratelimit.L the policy engine consumes
// tokens from; an interface here keeps this package free of a dependency
// on the concrete limiter implementation.
type RateLimiter interface {
	Allow(addr string) bool
}

// Instance is the subset of per-tenant configuration the policy engine
// reads. It holds no behaviour of its own — the gateway/config layer
// populates it from the durable config document.
type Instance struct {
	// MinSkewPast/MaxSkewFuture bound how far from "now" an event's
	// created_at may drift, in seconds; zero disables the corresponding
	// bound.
	MinSkewPast, MaxSkewFuture int64

	MaxContentLength int

	AllowedKinds []uint16
	BlockedKinds []uint16

	MinPow int

	BlockedPubkeys [][]byte
	AllowedPubkeys [][]byte
	TaggedPubkeys  [][]byte
	WotName        string
	PaywallName    string

	RequireAuth bool

	Membership Membership
}

func containsU16(set []uint16, v uint16) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsBytes(set [][]byte, v []byte) bool {
	for _, s := range set {
		if string(s) == string(v) {
			return true
		}
	}
	return false
}

// leadingZeroBits counts the number of leading zero bits in id, the NIP-13
// proof-of-work measure.
func leadingZeroBits(id []byte) int {
	n := 0
	for _, b := range id {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// DecideWriteEvent runs the full ordered WriteEvent rule set from spec.md
// §4.B against ev, authored (per the signature) by itself; principal is
// the session's authenticated pubkey, or nil if unauthenticated. now is
// the current unix time, threaded in rather than read from the clock so
// the decision stays a pure function of its inputs.
func (in *Instance) DecideWriteEvent(ev *event.E, principal []byte, now int64, rl RateLimiter, remoteAddr string) Decision {
	valid, err := ev.Verify()
	if err != nil || !valid {
		return reject(ReasonInvalidEvent)
	}

	ca := ev.CreatedAt.I64()
	if in.MaxSkewFuture > 0 && ca > now+in.MaxSkewFuture {
		return reject(ReasonRejectedTimestamp)
	}
	if in.MinSkewPast > 0 && ca < now-in.MinSkewPast {
		return reject(ReasonRejectedTimestamp)
	}

	if in.MaxContentLength > 0 && len(ev.Content) > in.MaxContentLength {
		return reject(ReasonRejectedTooLarge)
	}

	if len(in.AllowedKinds) > 0 && !containsU16(in.AllowedKinds, ev.Kind.K) {
		return reject(ReasonRejectedKind)
	}
	if len(in.BlockedKinds) > 0 && containsU16(in.BlockedKinds, ev.Kind.K) {
		return reject(ReasonRejectedKind)
	}

	if in.MinPow > 0 && leadingZeroBits(ev.Id) < in.MinPow {
		return reject(ReasonRejectedPow)
	}

	if d := in.gatePubkey(ev.Pubkey, ev.Tags); !d.Allow {
		return d
	}

	if in.RequireAuth && len(principal) == 0 {
		return reject(ReasonAuthRequired)
	}

	if rl != nil && !rl.Allow(remoteAddr) {
		return reject(ReasonRateLimited)
	}

	return allow()
}

func (in *Instance) gatePubkey(pubkey []byte, tags *tag.S) Decision {
	if containsBytes(in.BlockedPubkeys, pubkey) {
		return reject(ReasonRejectedAuth)
	}
	if len(in.AllowedPubkeys) > 0 && !containsBytes(in.AllowedPubkeys, pubkey) {
		return reject(ReasonRejectedAuth)
	}
	if len(in.TaggedPubkeys) > 0 {
		found := false
		for _, pk := range in.TaggedPubkeys {
			if tags.Contains("p", string(pk)) {
				found = true
				break
			}
		}
		if !found {
			return reject(ReasonRejectedAuth)
		}
	}
	if in.WotName != "" {
		if in.Membership == nil || !in.Membership.IsWotMember(pubkey) {
			return reject(ReasonRejectedAuth)
		}
	}
	if in.PaywallName != "" {
		if in.Membership == nil || !in.Membership.IsPaywallWhitelisted(pubkey) {
			return reject(ReasonRejectedAuth)
		}
	}
	return allow()
}

// DecideReadFilter runs the reduced ReadFilter rule set: auth gating plus
// one read-token consumption per REQ/COUNT.
func (in *Instance) DecideReadFilter(_ filter.S, principal []byte, rl RateLimiter, remoteAddr string) Decision {
	if in.RequireAuth && len(principal) == 0 {
		return reject(ReasonAuthRequired)
	}
	if rl != nil && !rl.Allow(remoteAddr) {
		return reject(ReasonRateLimited)
	}
	return allow()
}
