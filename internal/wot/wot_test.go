package wot

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/require"

	"moar.dev/internal/nostr/envelope"
	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeRelay serves one REQ/EOSE round trip per connection: it parses the
// incoming REQ envelope, asks respond for the events to answer with, and
// closes the subscription with EOSE.
func fakeRelay(t *testing.T, respond func(r *envelope.Req) []*event.E) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := envelope.Parse(msg)
		if err != nil {
			return
		}
		r, ok := env.(*envelope.Req)
		if !ok {
			return
		}
		for _, ev := range respond(r) {
			out := &envelope.Event{SubscriptionId: r.SubscriptionId, Event: ev}
			b, err := out.MarshalJSON()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
		eose := &envelope.EOSE{SubscriptionId: r.SubscriptionId}
		b, _ := eose.MarshalJSON()
		_ = conn.WriteMessage(websocket.TextMessage, b)
		// give the client a moment to read before the test tears the server down
		time.Sleep(50 * time.Millisecond)
	}))
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func mustFollowList(t *testing.T, createdAt int64, follows ...[]byte) (*event.E, []byte) {
	t.Helper()
	s, err := schnorr.New()
	require.NoError(t, err)
	ev := event.New()
	ev.Kind = kind.FollowList
	ev.CreatedAt = timestamp.FromUnix(createdAt)
	for _, f := range follows {
		ev.Tags.AppendTags(tag.New("p", hex.EncodeToString(f)))
	}
	require.NoError(t, ev.Sign(s))
	return ev, s.Pub()
}

func randPubkey(t *testing.T) []byte {
	t.Helper()
	s, err := schnorr.New()
	require.NoError(t, err)
	return s.Pub()
}

func TestPTagPubkeysExtractsFromFollowList(t *testing.T) {
	a, b := randPubkey(t), randPubkey(t)
	ev, _ := mustFollowList(t, 100, a, b)

	got := pTagPubkeys(ev)
	require.Len(t, got, 2)
	require.Equal(t, hex.EncodeToString(a), hex.EncodeToString(got[0]))
	require.Equal(t, hex.EncodeToString(b), hex.EncodeToString(got[1]))
}

func TestFetchLatestFollowListPicksNewest(t *testing.T) {
	seed := randPubkey(t)
	older, _ := mustFollowList(t, 100, randPubkey(t))
	older.Pubkey = seed
	newer, _ := mustFollowList(t, 200, randPubkey(t))
	newer.Pubkey = seed

	oldRelay := fakeRelay(t, func(r *envelope.Req) []*event.E { return []*event.E{older} })
	defer oldRelay.Close()
	newRelay := fakeRelay(t, func(r *envelope.Req) []*event.E { return []*event.E{newer} })
	defer newRelay.Close()

	best, err := fetchLatestFollowList(context.Background(), []string{wsURL(oldRelay), wsURL(newRelay)}, seed)
	require.NoError(t, err)
	require.Equal(t, int64(200), best.CreatedAt.I64())
}

func TestFetchLatestFollowListErrorsWithNoRelays(t *testing.T) {
	_, err := fetchLatestFollowList(context.Background(), nil, randPubkey(t))
	require.Error(t, err)
}

func TestExpandFrontierUnionsPTagsAcrossBatch(t *testing.T) {
	a := randPubkey(t)
	friend := randPubkey(t)
	followA, _ := mustFollowList(t, 100, friend)
	followA.Pubkey = a

	relay := fakeRelay(t, func(r *envelope.Req) []*event.E { return []*event.E{followA} })
	defer relay.Close()

	next := expandFrontier(context.Background(), []string{wsURL(relay)}, [][]byte{a})
	require.Len(t, next, 1)
	require.Equal(t, hex.EncodeToString(friend), hex.EncodeToString(next[0]))
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wot-1.msgpack")

	snap := &Snapshot{
		Members: map[string]struct{}{"aa": {}, "bb": {}},
		BuiltAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, persist(path, snap))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Members, 2)
	require.True(t, loaded.Contains(mustHex(t, "aa")))
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestBuilderErrorsWithoutRelaysConfigured(t *testing.T) {
	b := New(Config{SeedPubkey: randPubkey(t), Depth: 1, UpdateIntervalHours: 1})
	b.runOnce(context.Background())

	st := b.State()
	require.Equal(t, Error, st.Status)
}

func TestBuilderReachesReadyStateAtDepth1(t *testing.T) {
	seed := randPubkey(t)
	friend := randPubkey(t)
	seedFollows, _ := mustFollowList(t, 100, friend)
	seedFollows.Pubkey = seed

	relay := fakeRelay(t, func(r *envelope.Req) []*event.E { return []*event.E{seedFollows} })
	defer relay.Close()

	dir := t.TempDir()
	b := New(Config{
		SeedPubkey:          seed,
		Depth:               1,
		UpdateIntervalHours: 1,
		DiscoveryRelays:     []string{wsURL(relay)},
		StatePath:           filepath.Join(dir, "wot-1.msgpack"),
	})
	b.runOnce(context.Background())

	st := b.State()
	require.Equal(t, Ready, st.Status)
	require.Equal(t, 2, st.Count) // seed itself + friend

	snap := b.Snapshot()
	require.True(t, snap.Contains(seed))
	require.True(t, snap.Contains(friend))

	_, err := os.Stat(b.cfg.StatePath)
	require.NoError(t, err)
}
