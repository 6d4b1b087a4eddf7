package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesEmptyDocumentWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moar.toml")
	s, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, s.Snapshot().Relays)

	s2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, s.Snapshot(), s2.Snapshot())
}

func TestAddRelayRejectsDuplicateId(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)

	require.NoError(t, s.AddRelay(Relay{Id: "a", Subdomain: "a", DbPath: "/tmp/a"}))
	err = s.AddRelay(Relay{Id: "a", Subdomain: "b", DbPath: "/tmp/b"})
	require.Error(t, err)
}

func TestAddRelayRejectsDuplicateSubdomain(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)

	require.NoError(t, s.AddRelay(Relay{Id: "a", Subdomain: "shared", DbPath: "/tmp/a"}))
	err = s.AddRelay(Relay{Id: "b", Subdomain: "shared", DbPath: "/tmp/b"})
	require.Error(t, err)
}

func TestAddRelayRejectsInvalidPubkey(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)

	err = s.AddRelay(Relay{Id: "a", Subdomain: "a", DbPath: "/tmp/a", BlockedPubkeys: []string{"not-a-pubkey"}})
	require.Error(t, err)
}

func TestAddRelayRejectsDanglingWotReference(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)

	err = s.AddRelay(Relay{Id: "a", Subdomain: "a", DbPath: "/tmp/a", WotId: "missing"})
	require.Error(t, err)
}

func TestUpdateRelayColdFieldSetsPendingRestart(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)
	require.NoError(t, s.AddRelay(Relay{Id: "a", Subdomain: "a", DbPath: "/tmp/a"}))
	require.False(t, s.PendingRestart())

	r := s.Snapshot().Relays[0]
	r.Subdomain = "b"
	require.NoError(t, s.UpdateRelay(r))
	require.True(t, s.PendingRestart())
}

func TestUpdateRelayHotNeverSetsPendingRestart(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)
	require.NoError(t, s.AddRelay(Relay{Id: "a", Subdomain: "a", DbPath: "/tmp/a", MaxContentLength: 1000}))

	err = s.UpdateRelayHot(Relay{Id: "a", MaxContentLength: 2000})
	require.NoError(t, err)
	require.False(t, s.PendingRestart())

	r := s.Snapshot().Relays[0]
	require.Equal(t, 2000, r.MaxContentLength)
	require.Equal(t, "a", r.Subdomain) // cold fields preserved
	require.Equal(t, "/tmp/a", r.DbPath)
}

func TestDeleteWotRefusesWhileReferenced(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)

	seed := "aabb00000000000000000000000000000000000000000000000000000000bbcc"
	require.NoError(t, s.AddWot(Wot{Id: "w1", SeedPubkey: seed, Depth: 2, UpdateIntervalHours: 1}))
	require.NoError(t, s.AddRelay(Relay{Id: "a", Subdomain: "a", DbPath: "/tmp/a", WotId: "w1"}))

	err = s.DeleteWot("w1")
	require.Error(t, err)
}

func TestAddPaywallRejectsZeroPeriod(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)

	err = s.AddPaywall(Paywall{Id: "p1", WalletURI: "nostr+walletconnect://deadbeef"})
	require.Error(t, err)
}

func TestDocumentPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moar.toml")
	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.AddRelay(Relay{Id: "a", Subdomain: "a", DbPath: "/tmp/a"}))
	require.NoError(t, s.SetDiscoveryRelays([]string{"wss://relay.example"}))

	reloaded, err := Load(path)
	require.NoError(t, err)
	doc := reloaded.Snapshot()
	require.Len(t, doc.Relays, 1)
	require.Equal(t, []string{"wss://relay.example"}, doc.DiscoveryRelays)
}
