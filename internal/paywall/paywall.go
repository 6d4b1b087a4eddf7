// Package paywall implements the per-tenant Lightning paywall spec.md
// §4.H describes: invoice minting over a NIP-47 (Nostr Wallet Connect)
// channel, a settlement watcher that extends a time-bounded whitelist,
// and a periodic sweeper that expires stale entries. Grounded on the
// teacher's pkg/protocol/nwc/{client.go,methods.go,uri.go} for the
// wallet-connect RPC shape; the whitelist/sweeper logic itself has no
// teacher equivalent (orly has no paywall) and is built to spec.md §4.H
// in the teacher's idiom (msgpack persistence, mutex-guarded maps, a
// ticker-driven background loop matching dispatcher's run()).
package paywall

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"moar.dev/internal/apputil"
	"moar.dev/internal/log"
	"moar.dev/internal/nostr/event"
	"moar.dev/internal/xctx"
)

const (
	sweepInterval     = 10 * time.Minute
	invoiceForgetTTL  = time.Hour
	notifyReconnectBO = 5 * time.Second
)

// Config describes one paywall instance's parameters, set by the config
// service.
type Config struct {
	WalletURI      string // nostr+walletconnect://...
	PriceSats      uint64
	PeriodDays     int
	WhitelistPath  string // msgpack-persisted whitelist file
	CheckpointPath string // msgpack-persisted watcher checkpoint
}

// pendingInvoice tracks an invoice this controller minted but has not
// yet seen settled.
type pendingInvoice struct {
	Pubkey    []byte
	CreatedAt time.Time
}

// Controller runs one paywall's invoice minting, settlement watcher, and
// whitelist sweeper.
type Controller struct {
	cfg    Config
	wallet *walletConn

	mu         sync.Mutex
	pending    map[string]pendingInvoice // payment_hash -> pending invoice
	whitelist  map[string]time.Time      // hex pubkey -> expires_at
	checkpoint int64                     // unix seconds of last processed notification

	cancel xctx.F
	done   chan struct{}
}

// New parses cfg.WalletURI and loads any persisted whitelist/checkpoint.
func New(cfg Config) (*Controller, error) {
	wallet, err := parseWalletURI(cfg.WalletURI)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		wallet:    wallet,
		pending:   map[string]pendingInvoice{},
		whitelist: map[string]time.Time{},
	}
	if cfg.WhitelistPath != "" {
		if wl, err := loadWhitelist(cfg.WhitelistPath); err == nil {
			c.whitelist = wl
		}
	}
	if cfg.CheckpointPath != "" {
		if cp, err := loadCheckpoint(cfg.CheckpointPath); err == nil {
			c.checkpoint = cp
		}
	}
	return c, nil
}

// IsWhitelisted reports whether pubkey currently has an unexpired
// whitelist entry.
func (c *Controller) IsWhitelisted(pubkey []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.whitelist[hex.EncodeToString(pubkey)]
	return ok && time.Now().Before(exp)
}

// WhitelistEntry describes one whitelisted pubkey for the admin surface's
// GET /api/paywalls/{id}/whitelist endpoint.
type WhitelistEntry struct {
	Pubkey    string
	ExpiresAt time.Time
}

// Whitelist returns a snapshot of every currently-recorded whitelist
// entry, expired or not; callers that only want active entries should
// filter on ExpiresAt themselves.
func (c *Controller) Whitelist() []WhitelistEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WhitelistEntry, 0, len(c.whitelist))
	for k, v := range c.whitelist {
		out = append(out, WhitelistEntry{Pubkey: k, ExpiresAt: v})
	}
	return out
}

// RequestInvoice mints an invoice for pubkey via the configured wallet
// and records it as pending until a settlement notification matches its
// payment hash.
func (c *Controller) RequestInvoice(ctx xctx.T, pubkey []byte) (invoice string, paymentHash string, err error) {
	res, err := c.wallet.makeInvoice(ctx, invoiceParams{
		AmountMsat:  c.cfg.PriceSats * 1000,
		Description: "moar relay access",
	})
	if err != nil {
		return "", "", err
	}
	c.mu.Lock()
	c.pending[res.PaymentHash] = pendingInvoice{Pubkey: append([]byte(nil), pubkey...), CreatedAt: time.Now()}
	c.mu.Unlock()
	return res.Invoice, res.PaymentHash, nil
}

// Start launches the settlement watcher and the whitelist sweeper. Both
// run until ctx is canceled or Stop is called.
func (c *Controller) Start(ctx xctx.T) {
	ctx, cancel := xctx.Cancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.watchSettlements(ctx) }()
	go func() { defer wg.Done(); c.sweepLoop(ctx) }()

	go func() {
		wg.Wait()
		close(c.done)
	}()
}

// Stop cancels the watcher and sweeper and waits for both to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// watchSettlements re-subscribes to the wallet's notification feed from
// the last checkpoint on every (re)connect, satisfying spec.md §4.H's
// "idempotent on restart" requirement: a notification already applied
// before a crash is simply re-applied, which is harmless since whitelist
// insertion/extension is itself idempotent.
func (c *Controller) watchSettlements(ctx xctx.T) {
	if len(c.wallet.relays) == 0 {
		return
	}
	relayURL := c.wallet.relays[0]
	for {
		if ctx.Err() != nil {
			return
		}
		events := make(chan *event.E, 16)
		go func() {
			defer close(events)
			if err := c.wallet.subscribeNotifications(ctx, relayURL, c.checkpointValue(), events); err != nil {
				log.D.F("paywall: notification subscription to %s ended: %v", relayURL, err)
			}
		}()
		for ev := range events {
			c.handleNotificationEvent(ev)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(notifyReconnectBO):
		}
	}
}

func (c *Controller) checkpointValue() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint
}

func (c *Controller) handleNotificationEvent(ev *event.E) {
	createdAt := ev.CreatedAt.I64()
	note, err := decryptNip44(c.wallet.client, c.wallet.walletPubkey, string(ev.Content))
	if err != nil {
		log.W.F("paywall: failed to decrypt wallet notification: %v", err)
		return
	}
	var n notification
	if err := json.Unmarshal(note, &n); err != nil {
		log.W.F("paywall: failed to parse wallet notification: %v", err)
		return
	}
	if n.NotificationType != "payment_received" {
		c.advanceCheckpoint(createdAt)
		return
	}

	c.mu.Lock()
	pending, ok := c.pending[n.Notification.PaymentHash]
	if ok {
		delete(c.pending, n.Notification.PaymentHash)
	}
	c.mu.Unlock()

	if ok {
		c.extendWhitelist(pending.Pubkey)
	}
	c.advanceCheckpoint(createdAt)
}

func (c *Controller) advanceCheckpoint(createdAt int64) {
	c.mu.Lock()
	if createdAt > c.checkpoint {
		c.checkpoint = createdAt
	}
	cp := c.checkpoint
	c.mu.Unlock()
	if c.cfg.CheckpointPath != "" {
		if err := persistCheckpoint(c.cfg.CheckpointPath, cp); err != nil {
			log.W.F("paywall: failed to persist checkpoint: %v", err)
		}
	}
}

// extendWhitelist inserts pubkey or, if already whitelisted, extends its
// existing expiry by PeriodDays*86400 seconds from the current expiry
// (not from now), matching spec.md §4.H's "duplicate settlement...
// extends the existing expiry".
func (c *Controller) extendWhitelist(pubkey []byte) {
	key := hex.EncodeToString(pubkey)
	period := time.Duration(c.cfg.PeriodDays) * 24 * time.Hour

	c.mu.Lock()
	base := time.Now()
	if exp, ok := c.whitelist[key]; ok && exp.After(base) {
		base = exp
	}
	c.whitelist[key] = base.Add(period)
	wl := c.cloneWhitelistLocked()
	c.mu.Unlock()

	if c.cfg.WhitelistPath != "" {
		if err := persistWhitelist(c.cfg.WhitelistPath, wl); err != nil {
			log.W.F("paywall: failed to persist whitelist: %v", err)
		}
	}
}

func (c *Controller) cloneWhitelistLocked() map[string]time.Time {
	out := make(map[string]time.Time, len(c.whitelist))
	for k, v := range c.whitelist {
		out[k] = v
	}
	return out
}

// sweepLoop removes expired whitelist entries every 10 minutes and
// forgets invoices that have sat unsettled for more than an hour, per
// spec.md §4.H.
func (c *Controller) sweepLoop(ctx xctx.T) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Controller) sweep() {
	now := time.Now()
	c.mu.Lock()
	changed := false
	for k, exp := range c.whitelist {
		if exp.Before(now) {
			delete(c.whitelist, k)
			changed = true
		}
	}
	for h, p := range c.pending {
		if now.Sub(p.CreatedAt) > invoiceForgetTTL {
			delete(c.pending, h)
		}
	}
	wl := c.cloneWhitelistLocked()
	c.mu.Unlock()

	if changed && c.cfg.WhitelistPath != "" {
		if err := persistWhitelist(c.cfg.WhitelistPath, wl); err != nil {
			log.W.F("paywall: failed to persist whitelist after sweep: %v", err)
		}
	}
}

// --- persistence ---

type whitelistEntry struct {
	Pubkey    string    `msgpack:"pubkey"`
	ExpiresAt time.Time `msgpack:"expires_at"`
}

func persistWhitelist(path string, wl map[string]time.Time) error {
	entries := make([]whitelistEntry, 0, len(wl))
	for k, v := range wl {
		entries = append(entries, whitelistEntry{Pubkey: k, ExpiresAt: v})
	}
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return err
	}
	return apputil.AtomicWriteFile(path, data)
}

func loadWhitelist(path string) (map[string]time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []whitelistEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		out[e.Pubkey] = e.ExpiresAt
	}
	return out, nil
}

type checkpointDoc struct {
	LastCreatedAt int64 `msgpack:"last_created_at"`
}

func persistCheckpoint(path string, lastCreatedAt int64) error {
	data, err := msgpack.Marshal(checkpointDoc{LastCreatedAt: lastCreatedAt})
	if err != nil {
		return err
	}
	return apputil.AtomicWriteFile(path, data)
}

func loadCheckpoint(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc checkpointDoc
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return 0, err
	}
	return doc.LastCreatedAt, nil
}

