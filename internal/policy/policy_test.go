package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

type alwaysAllow struct{}

func (alwaysAllow) Allow(string) bool { return true }

type alwaysDeny struct{}

func (alwaysDeny) Allow(string) bool { return false }

func mustEvent(t *testing.T, content string, createdAt int64) (*event.E, *schnorr.Signer) {
	t.Helper()
	s, err := schnorr.New()
	require.NoError(t, err)
	e := event.New()
	e.Kind = kind.TextNote
	e.CreatedAt = timestamp.FromUnix(createdAt)
	e.Tags = tag.NewList()
	e.Content = []byte(content)
	require.NoError(t, e.Sign(s))
	return e, s
}

func TestDecideWriteEventAllowsPlainEvent(t *testing.T) {
	e, _ := mustEvent(t, "hi", timestamp.Now().I64())
	in := &Instance{}
	d := in.DecideWriteEvent(e, nil, timestamp.Now().I64(), alwaysAllow{}, "1.2.3.4")
	require.True(t, d.Allow)
}

func TestDecideWriteEventRejectsTamperedSignature(t *testing.T) {
	e, _ := mustEvent(t, "hi", timestamp.Now().I64())
	e.Content = []byte("tampered")
	in := &Instance{}
	d := in.DecideWriteEvent(e, nil, timestamp.Now().I64(), alwaysAllow{}, "1.2.3.4")
	require.False(t, d.Allow)
	require.Equal(t, ReasonInvalidEvent, d.Reason)
}

func TestDecideWriteEventRejectsFutureTimestamp(t *testing.T) {
	now := timestamp.Now().I64()
	e, _ := mustEvent(t, "hi", now+10_000)
	in := &Instance{MaxSkewFuture: 60}
	d := in.DecideWriteEvent(e, nil, now, alwaysAllow{}, "addr")
	require.False(t, d.Allow)
	require.Equal(t, ReasonRejectedTimestamp, d.Reason)
}

func TestDecideWriteEventRejectsTooLarge(t *testing.T) {
	e, _ := mustEvent(t, "0123456789", timestamp.Now().I64())
	in := &Instance{MaxContentLength: 5}
	d := in.DecideWriteEvent(e, nil, timestamp.Now().I64(), alwaysAllow{}, "addr")
	require.False(t, d.Allow)
	require.Equal(t, ReasonRejectedTooLarge, d.Reason)
}

func TestDecideWriteEventKindGating(t *testing.T) {
	e, _ := mustEvent(t, "hi", timestamp.Now().I64())
	in := &Instance{BlockedKinds: []uint16{1}}
	d := in.DecideWriteEvent(e, nil, timestamp.Now().I64(), alwaysAllow{}, "addr")
	require.False(t, d.Allow)
	require.Equal(t, ReasonRejectedKind, d.Reason)

	in2 := &Instance{AllowedKinds: []uint16{0}}
	d2 := in2.DecideWriteEvent(e, nil, timestamp.Now().I64(), alwaysAllow{}, "addr")
	require.False(t, d2.Allow)
	require.Equal(t, ReasonRejectedKind, d2.Reason)
}

func TestDecideWriteEventBlockedPubkey(t *testing.T) {
	e, s := mustEvent(t, "hi", timestamp.Now().I64())
	in := &Instance{BlockedPubkeys: [][]byte{s.Pub()}}
	d := in.DecideWriteEvent(e, nil, timestamp.Now().I64(), alwaysAllow{}, "addr")
	require.False(t, d.Allow)
	require.Equal(t, ReasonRejectedAuth, d.Reason)
}

func TestDecideWriteEventRequireAuth(t *testing.T) {
	e, s := mustEvent(t, "hi", timestamp.Now().I64())
	in := &Instance{RequireAuth: true}
	d := in.DecideWriteEvent(e, nil, timestamp.Now().I64(), alwaysAllow{}, "addr")
	require.False(t, d.Allow)
	require.Equal(t, ReasonAuthRequired, d.Reason)

	d2 := in.DecideWriteEvent(e, s.Pub(), timestamp.Now().I64(), alwaysAllow{}, "addr")
	require.True(t, d2.Allow)
}

func TestDecideWriteEventRateLimited(t *testing.T) {
	e, _ := mustEvent(t, "hi", timestamp.Now().I64())
	in := &Instance{}
	d := in.DecideWriteEvent(e, nil, timestamp.Now().I64(), alwaysDeny{}, "addr")
	require.False(t, d.Allow)
	require.Equal(t, ReasonRateLimited, d.Reason)
}

func TestDecideReadFilterAuthAndRate(t *testing.T) {
	in := &Instance{RequireAuth: true}
	d := in.DecideReadFilter(nil, nil, alwaysAllow{}, "addr")
	require.False(t, d.Allow)
	require.Equal(t, ReasonAuthRequired, d.Reason)

	in2 := &Instance{}
	d2 := in2.DecideReadFilter(nil, nil, alwaysDeny{}, "addr")
	require.False(t, d2.Allow)
	require.Equal(t, ReasonRateLimited, d2.Reason)

	d3 := in2.DecideReadFilter(nil, nil, alwaysAllow{}, "addr")
	require.True(t, d3.Allow)
}
