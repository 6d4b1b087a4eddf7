// Package main is MOAR, a multi-tenant relay gateway for the Nostr event
// protocol: one process serves many subdomain-routed relay instances from a
// single durable config document, fronted by a gateway router and an admin
// HTTP control plane. Configuration is via environment variables (see
// internal/config.Env) plus the TOML document they point at.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"moar.dev/internal/admin"
	"moar.dev/internal/chk"
	"moar.dev/internal/config"
	"moar.dev/internal/gateway"
	"moar.dev/internal/interrupt"
	"moar.dev/internal/log"
	"moar.dev/internal/lol"
	"moar.dev/internal/nostr/bech32"
	"moar.dev/internal/tenant"
	"moar.dev/internal/version"
)

// cliArgs is the top-level CLI surface: `moar start [--config PATH]`,
// grounded on the teacher's cmd/lerproxy/app.RunArgs arg-tag convention.
type cliArgs struct {
	Start *startArgs `arg:"subcommand:start" help:"run the gateway"`
}

type startArgs struct {
	ConfigPath string `arg:"--config" help:"path to the moar.toml configuration document; defaults to MOAR_CONFIG_PATH or an XDG location"`
}

func (cliArgs) Version() string { return "moar " + version.V }

func main() {
	var a cliArgs
	p := arg.MustParse(&a)
	if a.Start == nil {
		p.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	if err := run(a.Start); err != nil {
		log.F.Ln(err)
		os.Exit(1)
	}
}

func run(a *startArgs) error {
	env, err := config.LoadEnv()
	if chk.E(err) {
		return fmt.Errorf("load environment: %w", err)
	}
	if a.ConfigPath != "" {
		env.ConfigPath = a.ConfigPath
	}
	lol.SetLogLevel(env.LogLevel)
	log.I.F("starting %s %s", env.AppName, version.V)

	cfg, err := config.Load(env.ConfigPath)
	if chk.E(err) {
		return fmt.Errorf("load config %s: %w", env.ConfigPath, err)
	}
	doc := cfg.Snapshot()
	if doc.Domain == "" {
		return fmt.Errorf("config: %s must set a domain before the gateway can start", env.ConfigPath)
	}
	port := doc.Port
	if port == 0 {
		port = env.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := gateway.NewRouter(doc.Domain)
	registry := admin.NewRegistry()

	handles, err := startAllRelays(ctx, cfg, router, registry, env.DataDir)
	if err != nil {
		return err
	}

	restartRequested := make(chan struct{}, 1)
	adminServer := admin.New(
		cfg, router, registry,
		filepath.Join(env.DataDir, "pages"), "https://"+doc.Domain,
		loadAdminPubkeys(),
		func() {
			select {
			case restartRequested <- struct{}{}:
			default:
			}
		},
	)
	router.Admin = adminServer.Handler()

	addr := net.JoinHostPort(env.Listen, strconv.Itoa(port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           gateway.WithCORS(router),
		ReadHeaderTimeout: 7 * time.Second,
		IdleTimeout:       28 * time.Second,
	}

	shutdown := make(chan struct{})
	interrupt.AddHandler(func() { close(shutdown) })

	serveErr := make(chan error, 1)
	go func() {
		log.I.F("listening on %s", addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		stopAllRelays(handles)
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
	case <-shutdown:
		log.I.Ln("shutdown signal received, draining sessions")
		drainAndStop(router, httpServer, handles)
	case <-restartRequested:
		log.I.Ln("restart requested, re-executing")
		drainAndStop(router, httpServer, handles)
		return reexec()
	}
	return nil
}

// drainAndStop implements spec.md §5's shutdown sequence: notify and close
// every open session (with a bounded drain window), stop accepting new
// HTTP connections, then tear down each relay's background work and store.
func drainAndStop(router *gateway.Router, httpServer *http.Server, handles []*tenant.Handles) {
	router.Shutdown(5 * time.Second)
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = httpServer.Shutdown(shutCtx)
	stopAllRelays(handles)
}

// startAllRelays builds and installs every relay in cfg's document,
// starting each one's WoT/paywall background loops. On any single relay's
// construction failure it tears down everything already started and
// returns the error, since a half-started gateway with a silently-missing
// tenant is worse than refusing to start at all.
func startAllRelays(ctx context.Context, cfg *config.Service, router *gateway.Router, registry *admin.Registry, dataDir string) ([]*tenant.Handles, error) {
	doc := cfg.Snapshot()
	var handles []*tenant.Handles
	for _, r := range doc.Relays {
		h, err := tenant.Build(r, doc, dataDir)
		if err != nil {
			stopAllRelays(handles)
			return nil, fmt.Errorf("start relay %s: %w", r.Id, err)
		}
		router.Put(h.Instance)
		registry.SetStore(r.Id, h.Store)
		if h.Wot != nil {
			registry.SetWot(r.WotId, h.Wot)
			h.Wot.Start(ctx)
		}
		if h.Paywall != nil {
			registry.SetPaywall(r.PaywallId, h.Paywall)
			h.Paywall.Start(ctx)
		}
		handles = append(handles, h)
		log.I.F("relay %s serving at %s.%s", r.Id, r.Subdomain, doc.Domain)
	}
	return handles, nil
}

func stopAllRelays(handles []*tenant.Handles) {
	for _, h := range handles {
		h.Stop()
	}
}

// loadAdminPubkeys reads the admin pubkey allowlist from MOAR_ADMIN_PUBKEYS
// (comma-separated hex or npub1... values), the one setting spec.md's admin
// auth flow needs that doesn't belong in the durable multi-tenant document.
func loadAdminPubkeys() [][]byte {
	raw := os.Getenv("MOAR_ADMIN_PUBKEYS")
	if raw == "" {
		log.W.Ln("MOAR_ADMIN_PUBKEYS is unset: no pubkey will be able to authenticate to the admin surface")
		return nil
	}
	var out [][]byte
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if b, err := hex.DecodeString(v); err == nil && len(b) == 32 {
			out = append(out, b)
			continue
		}
		if b, err := bech32.DecodePubkey(v); err == nil {
			out = append(out, b)
			continue
		}
		log.W.F("MOAR_ADMIN_PUBKEYS: skipping invalid pubkey %q", v)
	}
	return out
}

// reexec replaces the current process image with a fresh copy of itself,
// the "process re-execs" behaviour spec.md §6's POST /api/restart documents.
func reexec() error {
	exe, err := os.Executable()
	if chk.E(err) {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
