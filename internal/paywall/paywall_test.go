package paywall

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newController(t *testing.T, walletSigner *schnorr.Signer, clientSecret []byte, relayURL string) *Controller {
	t.Helper()
	uri := "nostr+walletconnect://" + hex.EncodeToString(walletSigner.Pub()) +
		"?relay=" + relayURL + "&secret=" + hex.EncodeToString(clientSecret)
	c, err := New(Config{WalletURI: uri, PriceSats: 1000, PeriodDays: 30})
	require.NoError(t, err)
	return c
}

func TestParseWalletURIRoundTrip(t *testing.T) {
	wallet, err := schnorr.New()
	require.NoError(t, err)
	client, err := schnorr.New()
	require.NoError(t, err)

	uri := "nostr+walletconnect://" + hex.EncodeToString(wallet.Pub()) +
		"?relay=wss://relay.example&secret=" + hex.EncodeToString(client.Sec())
	wc, err := parseWalletURI(uri)
	require.NoError(t, err)
	require.Equal(t, wallet.Pub(), wc.walletPubkey)
	require.Equal(t, []string{"wss://relay.example"}, wc.relays)
}

func TestParseWalletURIRejectsWrongScheme(t *testing.T) {
	_, err := parseWalletURI("https://not-a-wallet")
	require.Error(t, err)
}

func TestParseWalletURIRejectsMissingRelay(t *testing.T) {
	wallet, err := schnorr.New()
	require.NoError(t, err)
	client, err := schnorr.New()
	require.NoError(t, err)
	uri := "nostr+walletconnect://" + hex.EncodeToString(wallet.Pub()) + "?secret=" + hex.EncodeToString(client.Sec())
	_, err = parseWalletURI(uri)
	require.Error(t, err)
}

func TestParseWalletURIRejectsBadSecret(t *testing.T) {
	wallet, err := schnorr.New()
	require.NoError(t, err)
	uri := "nostr+walletconnect://" + hex.EncodeToString(wallet.Pub()) + "?relay=wss://relay.example&secret=zz"
	_, err = parseWalletURI(uri)
	require.Error(t, err)
}

func TestNip44EncryptDecryptRoundTrip(t *testing.T) {
	a, err := schnorr.New()
	require.NoError(t, err)
	b, err := schnorr.New()
	require.NoError(t, err)

	ct, err := encryptNip44(a, b.Pub(), []byte("make_invoice request body"))
	require.NoError(t, err)

	pt, err := decryptNip44(b, a.Pub(), ct)
	require.NoError(t, err)
	require.Equal(t, "make_invoice request body", string(pt))
}

func TestNip44DecryptRejectsTamperedPayload(t *testing.T) {
	a, err := schnorr.New()
	require.NoError(t, err)
	b, err := schnorr.New()
	require.NoError(t, err)

	ct, err := encryptNip44(a, b.Pub(), []byte("hello"))
	require.NoError(t, err)
	tampered := []byte(ct)
	tampered[len(tampered)-1] ^= 0x01

	_, err = decryptNip44(b, a.Pub(), string(tampered))
	require.Error(t, err)
}

// fakeWallet serves one make_invoice RPC response per connection, the way
// a wallet service would answer a NIP-47 request event.
func fakeWallet(t *testing.T, wallet *schnorr.Signer, respond func(method string, params json.RawMessage) rpcResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := testUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var clientPubkey []byte
		var reqID []byte
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := envelope.Parse(msg)
			if err != nil {
				continue
			}
			switch e := env.(type) {
			case *envelope.Req:
				// the client's REQ for its own response subscription; nothing to answer yet
				_ = e
			case *envelope.Event:
				clientPubkey = e.Event.Pubkey
				reqID = e.Event.Id
				plaintext, err := decryptNip44(wallet, clientPubkey, string(e.Event.Content))
				if err != nil {
					return
				}
				var rr rpcRequest
				if err := json.Unmarshal(plaintext, &rr); err != nil {
					return
				}
				paramsRaw, _ := json.Marshal(rr.Params)
				resp := respond(rr.Method, paramsRaw)
				body, err := json.Marshal(resp)
				if err != nil {
					return
				}
				content, err := encryptNip44(wallet, clientPubkey, body)
				if err != nil {
					return
				}
				respEv := event.New()
				respEv.Kind = kind.WalletResponse
				respEv.CreatedAt = timestamp.Now()
				respEv.Tags = tag.NewList(tag.New("e", hex.EncodeToString(reqID)))
				respEv.Content = []byte(content)
				require.NoError(t, respEv.Sign(wallet))

				out := &envelope.Event{Event: respEv}
				b, err := out.MarshalJSON()
				if err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
				time.Sleep(50 * time.Millisecond)
				return
			}
		}
	}))
	return srv
}

func TestRequestInvoiceRoundTrip(t *testing.T) {
	wallet, err := schnorr.New()
	require.NoError(t, err)
	client, err := schnorr.New()
	require.NoError(t, err)

	srv := fakeWallet(t, wallet, func(method string, params json.RawMessage) rpcResponse {
		require.Equal(t, "make_invoice", method)
		res, _ := json.Marshal(invoiceResult{Invoice: "lnbc1...", PaymentHash: "deadbeef", ExpiresAt: time.Now().Add(time.Hour).Unix()})
		return rpcResponse{ResultType: "make_invoice", Result: res}
	})
	defer srv.Close()

	c := newController(t, wallet, client.Sec(), wsURL(srv))
	pubkey, err := schnorr.New()
	require.NoError(t, err)

	invoice, paymentHash, err := c.RequestInvoice(t.Context(), pubkey.Pub())
	require.NoError(t, err)
	require.Equal(t, "lnbc1...", invoice)
	require.Equal(t, "deadbeef", paymentHash)

	c.mu.Lock()
	_, pending := c.pending["deadbeef"]
	c.mu.Unlock()
	require.True(t, pending)
}

func TestExtendWhitelistExtendsFromExistingExpiryOnDuplicateSettlement(t *testing.T) {
	wallet, err := schnorr.New()
	require.NoError(t, err)
	c := newController(t, wallet, mustSecret(t), "wss://unused.example")

	pubkey := mustPubkey(t)
	c.extendWhitelist(pubkey)
	first := c.whitelist[hex.EncodeToString(pubkey)]

	c.extendWhitelist(pubkey)
	second := c.whitelist[hex.EncodeToString(pubkey)]

	require.True(t, second.After(first))
	// extension should be roughly another PeriodDays out from the first
	// expiry, not from now, so the gap between the two expiries is close
	// to a full period.
	period := time.Duration(c.cfg.PeriodDays) * 24 * time.Hour
	require.WithinDuration(t, first.Add(period), second, time.Second)
}

func TestIsWhitelistedReflectsExpiry(t *testing.T) {
	wallet, err := schnorr.New()
	require.NoError(t, err)
	c := newController(t, wallet, mustSecret(t), "wss://unused.example")

	pubkey := mustPubkey(t)
	require.False(t, c.IsWhitelisted(pubkey))

	c.mu.Lock()
	c.whitelist[hex.EncodeToString(pubkey)] = time.Now().Add(time.Hour)
	c.mu.Unlock()
	require.True(t, c.IsWhitelisted(pubkey))

	c.mu.Lock()
	c.whitelist[hex.EncodeToString(pubkey)] = time.Now().Add(-time.Hour)
	c.mu.Unlock()
	require.False(t, c.IsWhitelisted(pubkey))
}

func TestSweepRemovesExpiredWhitelistEntriesAndStalePending(t *testing.T) {
	wallet, err := schnorr.New()
	require.NoError(t, err)
	c := newController(t, wallet, mustSecret(t), "wss://unused.example")

	expired := mustPubkey(t)
	fresh := mustPubkey(t)
	c.whitelist[hex.EncodeToString(expired)] = time.Now().Add(-time.Minute)
	c.whitelist[hex.EncodeToString(fresh)] = time.Now().Add(time.Hour)
	c.pending["stale"] = pendingInvoice{Pubkey: expired, CreatedAt: time.Now().Add(-2 * time.Hour)}
	c.pending["recent"] = pendingInvoice{Pubkey: fresh, CreatedAt: time.Now()}

	c.sweep()

	_, stillExpired := c.whitelist[hex.EncodeToString(expired)]
	_, stillFresh := c.whitelist[hex.EncodeToString(fresh)]
	require.False(t, stillExpired)
	require.True(t, stillFresh)

	_, stalePending := c.pending["stale"]
	_, recentPending := c.pending["recent"]
	require.False(t, stalePending)
	require.True(t, recentPending)
}

func TestWhitelistAndCheckpointPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wlPath := dir + "/whitelist.msgpack"
	cpPath := dir + "/checkpoint.msgpack"

	exp := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	require.NoError(t, persistWhitelist(wlPath, map[string]time.Time{"aa": exp}))
	loaded, err := loadWhitelist(wlPath)
	require.NoError(t, err)
	require.WithinDuration(t, exp, loaded["aa"], time.Second)

	require.NoError(t, persistCheckpoint(cpPath, 12345))
	cp, err := loadCheckpoint(cpPath)
	require.NoError(t, err)
	require.Equal(t, int64(12345), cp)
}

func mustSecret(t *testing.T) []byte {
	t.Helper()
	s, err := schnorr.New()
	require.NoError(t, err)
	return s.Sec()
}

func mustPubkey(t *testing.T) []byte {
	t.Helper()
	s, err := schnorr.New()
	require.NoError(t, err)
	return s.Pub()
}
