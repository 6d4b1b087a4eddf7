package gateway

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/require"

	"moar.dev/internal/ratelimit"
	"moar.dev/internal/session"
)

func newTestRouter() *Router {
	r := NewRouter("moar.example")
	r.Put(&Instance{
		Host:      "alice.moar.example",
		Subdomain: "alice",
		Info:      DefaultRelayInfo("alice", false),
	})
	return r
}

func TestServeRelayInfoOnNostrJSONAccept(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "http://alice.moar.example/", nil)
	req.Host = "alice.moar.example"
	req.Header.Set("Accept", "application/nostr+json")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/nostr+json")
	require.Contains(t, rec.Body.String(), "\"name\":\"alice\"")
}

func TestServeLandingPageDefault(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "http://alice.moar.example/", nil)
	req.Host = "alice.moar.example"
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "alice.moar.example")
}

func TestUnknownHostReturns404WithoutLeakage(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "http://nobody.moar.example/", nil)
	req.Host = "nobody.moar.example"
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotContains(t, rec.Body.String(), "alice")
}

func TestCaddyAskMatchesKnownHostsOnly(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "http://x/.well-known/caddy-ask?domain=alice.moar.example", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "http://x/.well-known/caddy-ask?domain=evil.example", nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusNotFound, rec2.Code)

	req3 := httptest.NewRequest(http.MethodGet, "http://x/.well-known/caddy-ask?domain=moar.example", nil)
	rec3 := httptest.NewRecorder()
	r.ServeHTTP(rec3, req3)
	require.Equal(t, http.StatusOK, rec3.Code)
}

func TestRootDomainWithoutAdminHandler404s(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "http://moar.example/", nil)
	req.Host = "moar.example"
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHostWithPortIsStripped(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "http://alice.moar.example:8443/", nil)
	req.Host = "alice.moar.example:8443"
	req.Header.Set("Accept", "application/nostr+json")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRemoveDropsRouting(t *testing.T) {
	r := newTestRouter()
	r.Remove("alice.moar.example")
	req := httptest.NewRequest(http.MethodGet, "http://alice.moar.example/", nil)
	req.Host = "alice.moar.example"
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeWebsocketEnforcesPerIPConnectionCap(t *testing.T) {
	srv := httptest.NewUnstartedServer(nil)
	host, _, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	r := NewRouter("test.invalid")
	r.Put(&Instance{
		Host:      host,
		Subdomain: "alice",
		Info:      DefaultRelayInfo("alice", false),
		Session: &session.Instance{
			RateLimit: ratelimit.New(ratelimit.Config{MaxConns: 1}),
		},
	})
	srv.Config.Handler = r
	srv.Start()
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()

	_, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "a second connection from the same address must be rejected once MaxConns is reached")
}
