package paywall

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fasthttp/websocket"

	"moar.dev/internal/log"
	"moar.dev/internal/nostr/envelope"
	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

const dialTimeout = 5 * time.Second

// walletConn holds the connection parameters parsed from a
// "nostr+walletconnect://" URI, grounded on the teacher's
// pkg/protocol/nwc/uri.go (ParseConnectionURI): host is the wallet's hex
// pubkey, the relay query parameter(s) list where RPC events are
// exchanged, and the secret query parameter is our own client secret key.
type walletConn struct {
	walletPubkey []byte
	relays       []string
	client       *schnorr.Signer
}

// parseWalletURI parses a NIP-47 connection URI.
func parseWalletURI(uri string) (*walletConn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "nostr+walletconnect" {
		return nil, errors.New("paywall: wallet uri has the wrong scheme")
	}
	walletPubkey, err := hex.DecodeString(u.Host)
	if err != nil || len(walletPubkey) != schnorr.PubkeyLen {
		return nil, errors.New("paywall: invalid wallet pubkey in uri")
	}
	q := u.Query()
	relays := q["relay"]
	if len(relays) == 0 {
		return nil, errors.New("paywall: wallet uri is missing a relay parameter")
	}
	secretHex := q.Get("secret")
	if secretHex == "" {
		return nil, errors.New("paywall: wallet uri is missing a secret parameter")
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil || len(secret) != schnorr.SecretLen {
		return nil, errors.New("paywall: invalid secret in uri")
	}
	client, err := schnorr.InitSec(secret)
	if err != nil {
		return nil, err
	}
	return &walletConn{walletPubkey: walletPubkey, relays: relays, client: client}, nil
}

// invoiceParams mirrors the NIP-47 make_invoice request, reduced to the
// fields the paywall controller needs.
type invoiceParams struct {
	AmountMsat  uint64 `json:"amount"`
	Description string `json:"description,omitempty"`
	ExpirySecs  int64  `json:"expiry,omitempty"`
}

// invoiceResult mirrors the NIP-47 Transaction shape returned by
// make_invoice and lookup_invoice.
type invoiceResult struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	ExpiresAt   int64  `json:"expires_at"`
}

// notification mirrors a NIP-47 wallet notification's decrypted content.
type notification struct {
	NotificationType string `json:"notification_type"`
	Notification     struct {
		PaymentHash string `json:"payment_hash"`
	} `json:"notification"`
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

type rpcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *rpcError       `json:"error"`
	Result     json.RawMessage `json:"result"`
}

// makeInvoice issues a make_invoice RPC over the wallet-connect channel.
func (w *walletConn) makeInvoice(ctx context.Context, p invoiceParams) (*invoiceResult, error) {
	var res invoiceResult
	if err := w.rpc(ctx, "make_invoice", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// rpc sends method/params as an encrypted kind-23194 request event to
// w.walletPubkey and waits for the matching kind-23195 response,
// following pkg/protocol/nwc/client.go's publish(event)+subscribe(filter)
// pattern, generalized here to one blocking round trip over a single
// relay connection rather than the teacher's relay pool.
func (w *walletConn) rpc(ctx context.Context, method string, params, result any) error {
	if len(w.relays) == 0 {
		return errors.New("paywall: wallet has no configured relays")
	}
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return err
	}
	content, err := encryptNip44(w.client, w.walletPubkey, body)
	if err != nil {
		return err
	}

	ev := event.New()
	ev.Kind = kind.WalletRequest
	ev.CreatedAt = timestamp.Now()
	ev.Tags = tag.NewList(tag.New("p", hex.EncodeToString(w.walletPubkey)))
	ev.Content = []byte(content)
	if err := ev.Sign(w.client); err != nil {
		return err
	}

	var lastErr error
	for _, relayURL := range w.relays {
		resp, err := w.publishAndAwaitResponse(ctx, relayURL, ev)
		if err != nil {
			lastErr = err
			log.D.F("paywall: wallet rpc over %s failed: %v", relayURL, err)
			continue
		}
		plaintext, err := decryptNip44(w.client, w.walletPubkey, string(resp.Content))
		if err != nil {
			return err
		}
		var rr rpcResponse
		if err := json.Unmarshal(plaintext, &rr); err != nil {
			return err
		}
		if rr.Error != nil {
			return rr.Error
		}
		if result != nil && len(rr.Result) > 0 {
			return json.Unmarshal(rr.Result, result)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("paywall: no wallet relay answered the rpc request")
	}
	return lastErr
}

func (w *walletConn) publishAndAwaitResponse(ctx context.Context, relayURL string, req *event.E) (*event.E, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	idHex := hex.EncodeToString(req.Id)
	subId := "nwc-" + idHex[:8]
	f := filter.New()
	f.Kinds = []*kind.T{kind.WalletResponse}
	f.Authors = [][]byte{w.walletPubkey}
	f.Tags = map[string][]string{"#e": {idHex}}
	reqEnv := &envelope.Req{SubscriptionId: subId, Filters: filter.S{f}}
	reqBytes, err := reqEnv.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return nil, err
	}

	pubEnv := &envelope.Event{Event: req}
	pubBytes, err := pubEnv.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, pubBytes); err != nil {
		return nil, err
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		env, err := envelope.Parse(msg)
		if err != nil {
			continue
		}
		switch e := env.(type) {
		case *envelope.Event:
			if e.Event != nil {
				return e.Event, nil
			}
		case *envelope.EOSE, *envelope.Closed:
			return nil, errors.New("paywall: wallet closed the subscription before answering")
		}
	}
}

// subscribeNotifications opens a long-lived connection to relayURL and
// forwards every kind-23196 wallet notification event since the given
// checkpoint to out, until ctx is canceled or the connection errors. The
// caller is expected to reconnect and re-subscribe with an updated
// checkpoint on error, which is what the Controller's watcher loop does
// to satisfy spec.md §4.H's "idempotent on restart... since its last
// checkpoint" requirement.
func (w *walletConn) subscribeNotifications(ctx context.Context, relayURL string, since int64, out chan<- *event.E) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f := filter.New()
	f.Kinds = []*kind.T{kind.WalletNotify}
	f.Authors = [][]byte{w.walletPubkey}
	f.Tags = map[string][]string{"#p": {hex.EncodeToString(w.client.Pub())}}
	if since > 0 {
		f.Since = timestamp.FromUnix(since)
	}
	reqEnv := &envelope.Req{SubscriptionId: "nwc-notify", Filters: filter.S{f}}
	b, err := reqEnv.MarshalJSON()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := envelope.Parse(msg)
		if err != nil {
			continue
		}
		if e, ok := env.(*envelope.Event); ok && e.Event != nil {
			select {
			case out <- e.Event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
