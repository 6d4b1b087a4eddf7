package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

func mustEvent(t *testing.T) *event.E {
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

func waitFor(t *testing.T, ch <-chan *event.E) *event.E {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestSubscribeReceivesMatchingEvent(t *testing.T) {
	d := New()
	defer d.Stop()

	f := filter.New()
	f.Kinds = []*kind.T{kind.TextNote}
	sub := &Sub{
		SessionId:  "s1",
		SubId:      "a",
		Filters:    filter.S{f},
		Out:        make(chan *event.E, 4),
		Overloaded: make(chan struct{}),
	}
	d.Subscribe(sub)

	ev := mustEvent(t)
	d.Commit(ev)

	got := waitFor(t, sub.Out)
	require.Equal(t, ev.IdString(), got.IdString())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := New()
	defer d.Stop()

	f := filter.New()
	f.Kinds = []*kind.T{kind.TextNote}
	sub := &Sub{
		SessionId:  "s1",
		SubId:      "a",
		Filters:    filter.S{f},
		Out:        make(chan *event.E, 4),
		Overloaded: make(chan struct{}),
	}
	d.Subscribe(sub)
	d.Unsubscribe("s1", "a")

	d.Commit(mustEvent(t))
	select {
	case <-sub.Out:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverloadedSubscriptionIsDroppedAndSignaled(t *testing.T) {
	d := New()
	defer d.Stop()

	f := filter.New()
	f.Kinds = []*kind.T{kind.TextNote}
	sub := &Sub{
		SessionId:  "s1",
		SubId:      "a",
		Filters:    filter.S{f},
		Out:        make(chan *event.E), // unbuffered: first delivery blocks, forcing overload
		Overloaded: make(chan struct{}),
	}
	d.Subscribe(sub)

	d.Commit(mustEvent(t))

	select {
	case <-sub.Overloaded:
	case <-time.After(time.Second):
		t.Fatal("expected subscription to be marked overloaded")
	}
	require.Equal(t, int64(1), d.DroppedCount())
}

func TestUnsubscribeAllRemovesEverySubOfASession(t *testing.T) {
	d := New()
	defer d.Stop()

	f := filter.New()
	f.Kinds = []*kind.T{kind.TextNote}
	for _, id := range []string{"a", "b"} {
		d.Subscribe(&Sub{
			SessionId:  "s1",
			SubId:      id,
			Filters:    filter.S{f},
			Out:        make(chan *event.E, 1),
			Overloaded: make(chan struct{}),
		})
	}
	d.UnsubscribeAll("s1")

	d.mu.RLock()
	_, ok := d.subs["s1"]
	d.mu.RUnlock()
	require.False(t, ok)
}
