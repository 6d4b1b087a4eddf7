package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

func signedEvent(t *testing.T) *event.E {
	t.Helper()
	s, err := schnorr.New()
	require.NoError(t, err)
	e := event.New()
	e.Kind = kind.TextNote
	e.CreatedAt = timestamp.Now()
	e.Tags = tag.NewList()
	e.Content = []byte("hi")
	require.NoError(t, e.Sign(s))
	return e
}

func TestParseEventEnvelope(t *testing.T) {
	e := signedEvent(t)
	in := &Event{Event: e}
	b, err := in.MarshalJSON()
	require.NoError(t, err)

	out, err := Parse(b)
	require.NoError(t, err)
	ev, ok := out.(*Event)
	require.True(t, ok)
	require.Equal(t, e.IdString(), ev.Event.IdString())
}

func TestParseReqEnvelope(t *testing.T) {
	f := filter.New()
	f.Kinds = []*kind.T{kind.TextNote}
	in := &Req{SubscriptionId: "sub1", Filters: filter.S{f}}
	b, err := in.MarshalJSON()
	require.NoError(t, err)

	out, err := Parse(b)
	require.NoError(t, err)
	req, ok := out.(*Req)
	require.True(t, ok)
	require.Equal(t, "sub1", req.SubscriptionId)
	require.Len(t, req.Filters, 1)
}

func TestParseCloseEnvelope(t *testing.T) {
	in := &Close{SubscriptionId: "sub1"}
	b, err := in.MarshalJSON()
	require.NoError(t, err)
	out, err := Parse(b)
	require.NoError(t, err)
	c, ok := out.(*Close)
	require.True(t, ok)
	require.Equal(t, "sub1", c.SubscriptionId)
}

func TestParseAuthChallengeAndResponse(t *testing.T) {
	chal := &Auth{Challenge: "abc123"}
	b, err := chal.MarshalJSON()
	require.NoError(t, err)
	out, err := Parse(b)
	require.NoError(t, err)
	a, ok := out.(*Auth)
	require.True(t, ok)
	require.Equal(t, "abc123", a.Challenge)
	require.Nil(t, a.Event)

	e := signedEvent(t)
	resp := &Auth{Event: e}
	b2, err := resp.MarshalJSON()
	require.NoError(t, err)
	out2, err := Parse(b2)
	require.NoError(t, err)
	a2, ok := out2.(*Auth)
	require.True(t, ok)
	require.NotNil(t, a2.Event)
	require.Equal(t, e.IdString(), a2.Event.IdString())
}

func TestParseOKAndEOSEAndClosedAndNotice(t *testing.T) {
	ok := &OK{EventId: "deadbeef", Accepted: true, Message: ""}
	b, err := ok.MarshalJSON()
	require.NoError(t, err)
	out, err := Parse(b)
	require.NoError(t, err)
	okOut, isOK := out.(*OK)
	require.True(t, isOK)
	require.True(t, okOut.Accepted)

	eose := &EOSE{SubscriptionId: "sub1"}
	b2, err := eose.MarshalJSON()
	require.NoError(t, err)
	out2, err := Parse(b2)
	require.NoError(t, err)
	_, isEOSE := out2.(*EOSE)
	require.True(t, isEOSE)

	closed := &Closed{SubscriptionId: "sub1", Message: "auth-required: please authenticate"}
	b3, err := closed.MarshalJSON()
	require.NoError(t, err)
	out3, err := Parse(b3)
	require.NoError(t, err)
	closedOut, isClosed := out3.(*Closed)
	require.True(t, isClosed)
	require.Equal(t, closed.Message, closedOut.Message)

	notice := &Notice{Message: "rate-limited"}
	b4, err := notice.MarshalJSON()
	require.NoError(t, err)
	out4, err := Parse(b4)
	require.NoError(t, err)
	noticeOut, isNotice := out4.(*Notice)
	require.True(t, isNotice)
	require.Equal(t, "rate-limited", noticeOut.Message)
}

func TestParseCountRequestAndResult(t *testing.T) {
	f := filter.New()
	f.Kinds = []*kind.T{kind.TextNote}
	req := &Count{SubscriptionId: "c1", Filters: filter.S{f}}
	b, err := req.MarshalJSON()
	require.NoError(t, err)
	out, err := Parse(b)
	require.NoError(t, err)
	c, ok := out.(*Count)
	require.True(t, ok)
	require.Len(t, c.Filters, 1)

	n := 42
	res := &Count{SubscriptionId: "c1", Result: &n}
	b2, err := res.MarshalJSON()
	require.NoError(t, err)
	out2, err := Parse(b2)
	require.NoError(t, err)
	c2, ok := out2.(*Count)
	require.True(t, ok)
	require.NotNil(t, c2.Result)
	require.Equal(t, 42, *c2.Result)
}

func TestParseUnknownLabel(t *testing.T) {
	_, err := Parse([]byte(`["BOGUS", 1]`))
	require.Error(t, err)
}
