// Package config implements the durable per-deployment configuration
// document spec.md §4.I describes: a single TOML document holding every
// tenant instance, WoT set, and paywall, a mutation API that validates
// before committing, and a hot/cold field split that flags whether a
// mutation needs a process restart to take effect. Grounded on the
// teacher's app/config/config.go for the process-env half (go-simpler.org/env,
// github.com/adrg/xdg path resolution) and on the WoT/paywall packages'
// write-temp-then-rename persistence idiom for the document itself, now
// using github.com/BurntSushi/toml instead of msgpack since this file is
// meant to be hand-editable.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"go-simpler.org/env"

	"moar.dev/internal/apputil"
	"moar.dev/internal/chk"
	"moar.dev/internal/nostr/bech32"
)

// Env is the process-level configuration read from the environment, or an
// optional .env file, at start-up. It governs where the TOML document
// lives and how the process listens; per-tenant configuration lives in the
// Document this process loads from Env.ConfigPath.
type Env struct {
	AppName    string `env:"MOAR_APP_NAME" default:"moar"`
	ConfigPath string `env:"MOAR_CONFIG_PATH" usage:"path to the moar.toml configuration document"`
	DataDir    string `env:"MOAR_DATA_DIR" usage:"root directory for per-instance event stores and WoT/paywall state"`
	Listen     string `env:"MOAR_LISTEN" default:"0.0.0.0" usage:"network listen address"`
	Port       int    `env:"MOAR_PORT" default:"3334" usage:"port to listen on"`
	LogLevel   string `env:"MOAR_LOG_LEVEL" default:"info" usage:"debug level: fatal error warn info debug trace"`
}

// LoadEnv reads Env from the process environment, defaulting ConfigPath and
// DataDir to XDG locations under AppName when unset.
func LoadEnv() (e *Env, err error) {
	e = &Env{}
	if err = env.Load(e, &env.Options{SliceSep: ","}); chk.E(err) {
		return
	}
	if e.ConfigPath == "" {
		e.ConfigPath = filepath.Join(xdg.ConfigHome, e.AppName, "moar.toml")
	}
	if e.DataDir == "" {
		e.DataDir = filepath.Join(xdg.DataHome, e.AppName)
	}
	return
}

// Relay is one tenant instance's durable configuration: identity, storage
// location, policy knobs (mirroring internal/policy.Instance's fields),
// NIP-11 metadata, and optional WoT/paywall references.
type Relay struct {
	Id        string `toml:"id" json:"id"`
	Subdomain string `toml:"subdomain" json:"subdomain"` // cold
	DbPath    string `toml:"db_path" json:"db_path"`     // cold

	Name        string `toml:"name" json:"name"`
	Description string `toml:"description" json:"description"`
	ContactPub  string `toml:"contact_pubkey,omitempty" json:"contact_pubkey,omitempty"`

	MinSkewPastSecs   int64    `toml:"min_skew_past_secs" json:"min_skew_past_secs"`
	MaxSkewFutureSecs int64    `toml:"max_skew_future_secs" json:"max_skew_future_secs"`
	MaxContentLength  int      `toml:"max_content_length" json:"max_content_length"`
	AllowedKinds      []uint16 `toml:"allowed_kinds,omitempty" json:"allowed_kinds,omitempty"`
	BlockedKinds      []uint16 `toml:"blocked_kinds,omitempty" json:"blocked_kinds,omitempty"`
	MinPow            int      `toml:"min_pow" json:"min_pow"`
	BlockedPubkeys    []string `toml:"blocked_pubkeys,omitempty" json:"blocked_pubkeys,omitempty"`
	AllowedPubkeys    []string `toml:"allowed_pubkeys,omitempty" json:"allowed_pubkeys,omitempty"`
	TaggedPubkeys     []string `toml:"tagged_pubkeys,omitempty" json:"tagged_pubkeys,omitempty"`
	RequireAuth       bool     `toml:"require_auth" json:"require_auth"`

	WriteBurst     float64 `toml:"write_burst" json:"write_burst"`
	WritePerSecond float64 `toml:"write_per_second" json:"write_per_second"`
	ReadBurst      float64 `toml:"read_burst" json:"read_burst"`
	ReadPerSecond  float64 `toml:"read_per_second" json:"read_per_second"`

	WotId     string `toml:"wot_id,omitempty" json:"wot_id,omitempty"`
	PaywallId string `toml:"paywall_id,omitempty" json:"paywall_id,omitempty"`
}

// Wot is one web-of-trust set's durable configuration.
type Wot struct {
	Id                  string `toml:"id" json:"id"`
	SeedPubkey          string `toml:"seed_pubkey" json:"seed_pubkey"`
	Depth               int    `toml:"depth" json:"depth"`
	UpdateIntervalHours int    `toml:"update_interval_hours" json:"update_interval_hours"`
}

// Paywall is one paywall's durable configuration.
type Paywall struct {
	Id         string `toml:"id" json:"id"`
	WalletURI  string `toml:"wallet_uri" json:"wallet_uri"`
	PriceSats  uint64 `toml:"price_sats" json:"price_sats"`
	PeriodDays int    `toml:"period_days" json:"period_days"`
}

// Document is the full on-disk TOML document: one per deployment, shared
// across every tenant instance it lists.
type Document struct {
	Domain          string    `toml:"domain" json:"domain"` // cold
	Port            int       `toml:"port" json:"port"`     // cold
	DiscoveryRelays []string  `toml:"discovery_relays" json:"discovery_relays"`
	Relays          []Relay   `toml:"relays" json:"relays"`
	Wots            []Wot     `toml:"wots" json:"wots"`
	Paywalls        []Paywall `toml:"paywalls" json:"paywalls"`
}

// Service owns the authoritative in-memory registry: the current Document,
// whether a cold mutation is pending a restart, and the path it persists
// to. Every other component is expected to hold a read-only snapshot
// revalidated on version change, per spec.md §3's ownership note.
type Service struct {
	path string

	mu             sync.RWMutex
	doc            Document
	version        uint64
	pendingRestart bool
}

// Load reads the TOML document at path, creating an empty one if absent.
func Load(path string) (*Service, error) {
	s := &Service{path: path}
	if !apputil.FileExists(path) {
		s.doc = Document{}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if _, err := toml.DecodeFile(path, &s.doc); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return s, nil
}

// Snapshot returns a deep-enough copy of the current document for read-only
// consumption; callers must not mutate slices within it.
func (s *Service) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Version returns the current config generation, bumped on every committed
// mutation; consumers compare it to know when to re-snapshot.
func (s *Service) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// PendingRestart reports whether a cold field was mutated since the
// process started and has not yet been applied by a restart.
func (s *Service) PendingRestart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingRestart
}

func (s *Service) persistLocked() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.doc); err != nil {
		return err
	}
	return apputil.AtomicWriteFile(s.path, buf.Bytes())
}

func validPubkeyRef(v string) error {
	if v == "" {
		return nil
	}
	if b, err := hex.DecodeString(v); err == nil && len(b) == 32 {
		return nil
	}
	if _, err := bech32.DecodePubkey(v); err == nil {
		return nil
	}
	return fmt.Errorf("config: %q is not a valid hex or bech32 pubkey", v)
}

func (d *Document) findRelay(id string) int {
	for i := range d.Relays {
		if d.Relays[i].Id == id {
			return i
		}
	}
	return -1
}

func (d *Document) findWot(id string) int {
	for i := range d.Wots {
		if d.Wots[i].Id == id {
			return i
		}
	}
	return -1
}

func (d *Document) findPaywall(id string) int {
	for i := range d.Paywalls {
		if d.Paywalls[i].Id == id {
			return i
		}
	}
	return -1
}

// validateRelay runs spec.md §4.I's pre-commit checks against r as it would
// exist after the mutation: unique id, unique subdomain, valid pubkey
// fields, and dangling wot/paywall references.
func (d *Document) validateRelay(r Relay, replacingIdx int) error {
	for i, existing := range d.Relays {
		if i == replacingIdx {
			continue
		}
		if existing.Id == r.Id {
			return fmt.Errorf("config: duplicate relay id %q", r.Id)
		}
		if existing.Subdomain == r.Subdomain {
			return fmt.Errorf("config: duplicate subdomain %q", r.Subdomain)
		}
	}
	for _, pk := range r.BlockedPubkeys {
		if err := validPubkeyRef(pk); err != nil {
			return err
		}
	}
	for _, pk := range r.AllowedPubkeys {
		if err := validPubkeyRef(pk); err != nil {
			return err
		}
	}
	for _, pk := range r.TaggedPubkeys {
		if err := validPubkeyRef(pk); err != nil {
			return err
		}
	}
	if err := validPubkeyRef(r.ContactPub); err != nil {
		return err
	}
	if r.WotId != "" && d.findWot(r.WotId) < 0 {
		return fmt.Errorf("config: relay %q references unknown wot %q", r.Id, r.WotId)
	}
	if r.PaywallId != "" && d.findPaywall(r.PaywallId) < 0 {
		return fmt.Errorf("config: relay %q references unknown paywall %q", r.Id, r.PaywallId)
	}
	return nil
}

// hotRelayFields copies only the fields classified hot in spec.md §4.I
// ("policy fields except db_path and subdomain; NIP-11 metadata;
// rate-limit numbers") from src into dst, leaving dst's cold fields
// (Id, Subdomain, DbPath) untouched.
func hotRelayFields(dst *Relay, src Relay) {
	id, subdomain, dbPath := dst.Id, dst.Subdomain, dst.DbPath
	*dst = src
	dst.Id, dst.Subdomain, dst.DbPath = id, subdomain, dbPath
}

// isRelayMutationCold reports whether updating from `before` to `after`
// touches a cold field (domain/port are document-level and handled
// separately in SetDomainAndPort).
func isRelayMutationCold(before, after Relay) bool {
	return before.Subdomain != after.Subdomain || before.DbPath != after.DbPath
}

// AddRelay validates and appends a new tenant instance.
func (s *Service) AddRelay(r Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.validateRelay(r, -1); err != nil {
		return err
	}
	s.doc.Relays = append(s.doc.Relays, r)
	s.version++
	return s.persistLocked()
}

// UpdateRelay replaces the relay identified by r.Id, applying cold fields
// immediately to the in-memory document (they still require a restart to
// take effect in the running gateway) and setting PendingRestart if any
// cold field actually changed.
func (s *Service) UpdateRelay(r Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.doc.findRelay(r.Id)
	if idx < 0 {
		return fmt.Errorf("config: relay %q not found", r.Id)
	}
	if err := s.doc.validateRelay(r, idx); err != nil {
		return err
	}
	before := s.doc.Relays[idx]
	s.doc.Relays[idx] = r
	if isRelayMutationCold(before, r) {
		s.pendingRestart = true
	}
	s.version++
	return s.persistLocked()
}

// UpdateRelayHot applies only the hot subset of fields from r to the
// existing relay r.Id, never setting PendingRestart, for admin operations
// that are documented as applying immediately (policy/NIP-11/rate-limit
// edits from spec.md §4.I's hot list).
func (s *Service) UpdateRelayHot(r Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.doc.findRelay(r.Id)
	if idx < 0 {
		return fmt.Errorf("config: relay %q not found", r.Id)
	}
	merged := s.doc.Relays[idx]
	hotRelayFields(&merged, r)
	if err := s.doc.validateRelay(merged, idx); err != nil {
		return err
	}
	s.doc.Relays[idx] = merged
	s.version++
	return s.persistLocked()
}

// DeleteRelay removes a tenant instance. Per spec.md §3's Instance
// invariant, this only unlinks the config entry; the caller is responsible
// for not deleting the underlying event-store files.
func (s *Service) DeleteRelay(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.doc.findRelay(id)
	if idx < 0 {
		return fmt.Errorf("config: relay %q not found", id)
	}
	s.doc.Relays = append(s.doc.Relays[:idx], s.doc.Relays[idx+1:]...)
	s.pendingRestart = true
	s.version++
	return s.persistLocked()
}

// AddWot validates and appends a new WoT configuration.
func (s *Service) AddWot(w Wot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.validateWot(w, -1); err != nil {
		return err
	}
	s.doc.Wots = append(s.doc.Wots, w)
	s.version++
	return s.persistLocked()
}

func (d *Document) validateWot(w Wot, replacingIdx int) error {
	for i, existing := range d.Wots {
		if i != replacingIdx && existing.Id == w.Id {
			return fmt.Errorf("config: duplicate wot id %q", w.Id)
		}
	}
	if w.SeedPubkey == "" {
		return errors.New("config: wot seed_pubkey is required")
	}
	if err := validPubkeyRef(w.SeedPubkey); err != nil {
		return err
	}
	if w.Depth < 1 || w.Depth > 4 {
		return fmt.Errorf("config: wot %q depth must be in 1..4", w.Id)
	}
	return nil
}

// UpdateWot replaces the WoT configuration identified by w.Id. Depth and
// UpdateIntervalHours are hot per spec.md §4.I; seed_pubkey changes are
// treated the same way since the WoT builder re-derives membership from
// scratch on its own schedule regardless.
func (s *Service) UpdateWot(w Wot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.doc.findWot(w.Id)
	if idx < 0 {
		return fmt.Errorf("config: wot %q not found", w.Id)
	}
	if err := s.doc.validateWot(w, idx); err != nil {
		return err
	}
	s.doc.Wots[idx] = w
	s.version++
	return s.persistLocked()
}

// DeleteWot removes a WoT configuration. Any relay referencing it must be
// updated first; DeleteWot refuses to leave a dangling reference.
func (s *Service) DeleteWot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.doc.findWot(id)
	if idx < 0 {
		return fmt.Errorf("config: wot %q not found", id)
	}
	for _, r := range s.doc.Relays {
		if r.WotId == id {
			return fmt.Errorf("config: wot %q is still referenced by relay %q", id, r.Id)
		}
	}
	s.doc.Wots = append(s.doc.Wots[:idx], s.doc.Wots[idx+1:]...)
	s.version++
	return s.persistLocked()
}

// AddPaywall validates and appends a new paywall configuration.
func (s *Service) AddPaywall(p Paywall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.validatePaywall(p, -1); err != nil {
		return err
	}
	s.doc.Paywalls = append(s.doc.Paywalls, p)
	s.version++
	return s.persistLocked()
}

func (d *Document) validatePaywall(p Paywall, replacingIdx int) error {
	for i, existing := range d.Paywalls {
		if i != replacingIdx && existing.Id == p.Id {
			return fmt.Errorf("config: duplicate paywall id %q", p.Id)
		}
	}
	if p.WalletURI == "" {
		return errors.New("config: paywall wallet_uri is required")
	}
	if p.PeriodDays <= 0 {
		return fmt.Errorf("config: paywall %q period_days must be positive", p.Id)
	}
	return nil
}

// UpdatePaywall replaces the paywall configuration identified by p.Id.
// price_sats and period_days are hot per spec.md §4.I.
func (s *Service) UpdatePaywall(p Paywall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.doc.findPaywall(p.Id)
	if idx < 0 {
		return fmt.Errorf("config: paywall %q not found", p.Id)
	}
	if err := s.doc.validatePaywall(p, idx); err != nil {
		return err
	}
	s.doc.Paywalls[idx] = p
	s.version++
	return s.persistLocked()
}

// DeletePaywall removes a paywall configuration, refusing to leave a
// dangling relay reference.
func (s *Service) DeletePaywall(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.doc.findPaywall(id)
	if idx < 0 {
		return fmt.Errorf("config: paywall %q not found", id)
	}
	for _, r := range s.doc.Relays {
		if r.PaywallId == id {
			return fmt.Errorf("config: paywall %q is still referenced by relay %q", id, r.Id)
		}
	}
	s.doc.Paywalls = append(s.doc.Paywalls[:idx], s.doc.Paywalls[idx+1:]...)
	s.version++
	return s.persistLocked()
}

// SetDiscoveryRelays replaces the document-wide discovery relay list used
// by every WoT builder; hot per spec.md §4.I.
func (s *Service) SetDiscoveryRelays(urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.DiscoveryRelays = append([]string(nil), urls...)
	s.version++
	return s.persistLocked()
}

// SetDomainAndPort sets the two document-level cold fields, flagging a
// pending restart whenever either actually changes.
func (s *Service) SetDomainAndPort(domain string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Domain == domain && s.doc.Port == port {
		return nil
	}
	s.doc.Domain, s.doc.Port = domain, port
	s.pendingRestart = true
	s.version++
	return s.persistLocked()
}

// AcknowledgeRestart clears PendingRestart. Nothing in this module calls
// it; the flag is held only in memory, so a re-executed process starts with
// it cleared.
func (s *Service) AcknowledgeRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRestart = false
}

// EnsureParentDir creates the parent directory of path (mode 0750) if it
// is missing. Nothing in this module calls it.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o750)
}
