package admin

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"moar.dev/internal/config"
	"moar.dev/internal/gateway"
	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
	"moar.dev/internal/store"
)

const testBaseURL = "https://moar.example"

func httpAuthHeader(t *testing.T, signer *schnorr.Signer, method, url string, ts int64) string {
	t.Helper()
	e := event.New()
	e.Kind = kind.HTTPAuth
	e.CreatedAt = timestamp.FromUnix(ts)
	e.Tags = tag.NewList(
		tag.New("u", url),
		tag.New("method", method),
	)
	e.Content = []byte("")
	require.NoError(t, e.Sign(signer))
	b, err := e.MarshalJSON()
	require.NoError(t, err)
	return "Nostr " + base64.StdEncoding.EncodeToString(b)
}

func newTestServer(t *testing.T, admin *schnorr.Signer) (*Server, *config.Service) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.SetDomainAndPort("moar.example", 443))

	router := gateway.NewRouter("moar.example")
	registry := NewRegistry()
	admins := [][]byte{admin.Pub()}
	s := New(cfg, router, registry, t.TempDir(), testBaseURL, admins, nil)
	return s, cfg
}

func now() int64 { return time.Now().Unix() }

func TestVerifyHTTPAuthAcceptsValidEvent(t *testing.T) {
	signer, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, signer)

	hdr := httpAuthHeader(t, signer, http.MethodPost, testBaseURL+"/api/login", now())
	pub, err := s.verifyHTTPAuth(hdr, http.MethodPost, testBaseURL+"/api/login")
	require.NoError(t, err)
	require.Equal(t, signer.Pub(), pub)
}

func TestVerifyHTTPAuthRejectsWrongKind(t *testing.T) {
	signer, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, signer)

	e := event.New()
	e.Kind = kind.TextNote
	e.CreatedAt = timestamp.FromUnix(now())
	e.Tags = tag.NewList(
		tag.New("u", testBaseURL+"/api/login"),
		tag.New("method", http.MethodPost),
	)
	e.Content = []byte("")
	require.NoError(t, e.Sign(signer))
	b, err := e.MarshalJSON()
	require.NoError(t, err)
	hdr := "Nostr " + base64.StdEncoding.EncodeToString(b)

	_, err = s.verifyHTTPAuth(hdr, http.MethodPost, testBaseURL+"/api/login")
	require.Error(t, err)
}

func TestVerifyHTTPAuthRejectsStaleTimestamp(t *testing.T) {
	signer, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, signer)

	hdr := httpAuthHeader(t, signer, http.MethodPost, testBaseURL+"/api/login", now()-3600)
	_, err = s.verifyHTTPAuth(hdr, http.MethodPost, testBaseURL+"/api/login")
	require.Error(t, err)
}

func TestVerifyHTTPAuthRejectsUMismatch(t *testing.T) {
	signer, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, signer)

	hdr := httpAuthHeader(t, signer, http.MethodPost, testBaseURL+"/api/login", now())
	_, err = s.verifyHTTPAuth(hdr, http.MethodPost, testBaseURL+"/api/other")
	require.Error(t, err)
}

func TestVerifyHTTPAuthRejectsMethodMismatch(t *testing.T) {
	signer, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, signer)

	hdr := httpAuthHeader(t, signer, http.MethodPost, testBaseURL+"/api/login", now())
	_, err = s.verifyHTTPAuth(hdr, http.MethodDelete, testBaseURL+"/api/login")
	require.Error(t, err)
}

func TestVerifyHTTPAuthRejectsNonAdminPubkey(t *testing.T) {
	admin, err := schnorr.New()
	require.NoError(t, err)
	stranger, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, admin)

	hdr := httpAuthHeader(t, stranger, http.MethodPost, testBaseURL+"/api/login", now())
	_, err = s.verifyHTTPAuth(hdr, http.MethodPost, testBaseURL+"/api/login")
	require.Error(t, err)
}

func TestLoginStatusLogoutFlow(t *testing.T) {
	admin, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, admin)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	hdr := httpAuthHeader(t, admin, http.MethodPost, testBaseURL+"/api/login", now())
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/login", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", hdr)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	setCookie := resp.Header.Get("Set-Cookie")
	require.NotEmpty(t, setCookie)
	cookie, _, _ := strings.Cut(setCookie, ";")

	statusReq, err := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	statusReq.Header.Set("Cookie", cookie)
	statusResp, err := http.DefaultClient.Do(statusReq)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	body, err := io.ReadAll(statusResp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"domain":"moar.example"`)

	logoutReq, err := http.NewRequest(http.MethodPost, srv.URL+"/api/logout", nil)
	require.NoError(t, err)
	logoutReq.Header.Set("Cookie", cookie)
	logoutResp, err := http.DefaultClient.Do(logoutReq)
	require.NoError(t, err)
	defer logoutResp.Body.Close()
	require.Equal(t, http.StatusNoContent, logoutResp.StatusCode)

	statusReq2, err := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	statusReq2.Header.Set("Cookie", cookie)
	statusResp2, err := http.DefaultClient.Do(statusReq2)
	require.NoError(t, err)
	defer statusResp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, statusResp2.StatusCode)
}

func TestRelayCRUDRoundTrip(t *testing.T) {
	admin, err := schnorr.New()
	require.NoError(t, err)
	s, cfg := newTestServer(t, admin)
	tok := s.issueToken(admin.Pub())
	auth := "Bearer " + tok

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	createBody := bytes.NewBufferString(`{"id":"a","subdomain":"a","db_path":"/tmp/a"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/relays", createBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, cfg.Snapshot().Relays, 1)

	getReq, err := http.NewRequest(http.MethodGet, srv.URL+"/api/relays/a", nil)
	require.NoError(t, err)
	getReq.Header.Set("Authorization", auth)
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	delReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/relays/a", nil)
	require.NoError(t, err)
	delReq.Header.Set("Authorization", auth)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
	require.Empty(t, cfg.Snapshot().Relays)
}

func TestExportImportRelayThroughHTTP(t *testing.T) {
	admin, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, admin)
	tok := s.issueToken(admin.Pub())
	auth := "Bearer " + tok

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	s.registry.SetStore("rel1", st)

	signer, err := schnorr.New()
	require.NoError(t, err)
	e := event.New()
	e.Kind = kind.TextNote
	e.CreatedAt = timestamp.FromUnix(now())
	e.Tags = tag.NewList()
	e.Content = []byte("hello")
	require.NoError(t, e.Sign(signer))
	stored, err := st.Store(e)
	require.NoError(t, err)
	require.True(t, stored)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	exportReq, err := http.NewRequest(http.MethodGet, srv.URL+"/api/relays/rel1/export", nil)
	require.NoError(t, err)
	exportReq.Header.Set("Authorization", auth)
	exportResp, err := http.DefaultClient.Do(exportReq)
	require.NoError(t, err)
	defer exportResp.Body.Close()
	require.Equal(t, http.StatusOK, exportResp.StatusCode)
	dump, err := io.ReadAll(exportResp.Body)
	require.NoError(t, err)
	require.Contains(t, string(dump), "hello")

	st2, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st2.Close()
	s.registry.SetStore("rel2", st2)

	importReq, err := http.NewRequest(http.MethodPost, srv.URL+"/api/relays/rel2/import", bytes.NewReader(dump))
	require.NoError(t, err)
	importReq.Header.Set("Authorization", auth)
	importResp, err := http.DefaultClient.Do(importReq)
	require.NoError(t, err)
	defer importResp.Body.Close()
	require.Equal(t, http.StatusOK, importResp.StatusCode)
	body, err := io.ReadAll(importResp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"imported":1`)
}

func TestStatsAggregatesAcrossRelays(t *testing.T) {
	admin, err := schnorr.New()
	require.NoError(t, err)
	s, _ := newTestServer(t, admin)

	for _, id := range []string{"a", "b"} {
		st, err := store.Open(t.TempDir())
		require.NoError(t, err)
		defer st.Close()
		signer, err := schnorr.New()
		require.NoError(t, err)
		e := event.New()
		e.Kind = kind.TextNote
		e.CreatedAt = timestamp.FromUnix(now())
		e.Tags = tag.NewList()
		e.Content = []byte(fmt.Sprintf("from %s", id))
		require.NoError(t, e.Sign(signer))
		_, err = st.Store(e)
		require.NoError(t, err)
		s.registry.SetStore(id, st)
	}

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	tok := s.issueToken(admin.Pub())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"total_events":2`)
}
