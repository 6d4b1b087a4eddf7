package admin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/kind"
)

// verifyHTTPAuth checks a NIP-98 "Authorization: Nostr <base64 event>"
// header: the embedded kind-27235 event must verify, carry a "u" tag
// matching fullURL and a "method" tag matching method, be freshly signed,
// and belong to one of the configured admin pubkeys. Grounded on the
// teacher's AdminAuth(r, remote, tolerance...) check (used throughout
// pkg/protocol/openapi/{export,import,events}.go).
func (s *Server) verifyHTTPAuth(authHeader, method, fullURL string) (pubkey []byte, err error) {
	const prefix = "Nostr "
	if !strings.HasPrefix(authHeader, prefix) {
		return nil, fmt.Errorf("missing NIP-98 authorization header")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, prefix))
	if err != nil {
		return nil, fmt.Errorf("malformed authorization header: %w", err)
	}
	ev := event.New()
	if err = ev.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("malformed auth event: %w", err)
	}
	if !ev.Kind.Equal(kind.HTTPAuth) {
		return nil, fmt.Errorf("wrong event kind")
	}
	valid, err := ev.Verify()
	if err != nil || !valid {
		return nil, fmt.Errorf("invalid signature")
	}
	if d := time.Now().Unix() - ev.CreatedAt.I64(); d > int64(authTolerance.Seconds()) || d < -int64(authTolerance.Seconds()) {
		return nil, fmt.Errorf("auth event expired")
	}
	if t := ev.Tags.GetFirst("u"); t == nil || t.S(1) != fullURL {
		return nil, fmt.Errorf("u tag does not match request url")
	}
	if t := ev.Tags.GetFirst("method"); t == nil || !strings.EqualFold(t.S(1), method) {
		return nil, fmt.Errorf("method tag does not match request method")
	}
	if _, ok := s.admins[hex.EncodeToString(ev.Pubkey)]; !ok {
		return nil, fmt.Errorf("pubkey not authorized for admin access")
	}
	return ev.Pubkey, nil
}

// issueToken mints a new opaque bearer token for pubkey, valid for
// sessionTTL, and records it for later lookup by requireSession.
func (s *Server) issueToken(pubkey []byte) string {
	raw := make([]byte, 32)
	_, _ = rand.Read(raw)
	tok := hex.EncodeToString(raw)
	s.tokenMu.Lock()
	s.tokens[tok] = sessionToken{pubkey: append([]byte(nil), pubkey...), expiresAt: time.Now().Add(sessionTTL)}
	s.tokenMu.Unlock()
	return tok
}

// revokeToken forgets tok, if known.
func (s *Server) revokeToken(tok string) {
	s.tokenMu.Lock()
	delete(s.tokens, tok)
	s.tokenMu.Unlock()
}

// requireSession extracts the session token from a Cookie header (browser
// clients) or an "Authorization: Bearer <token>" header (API clients) and
// resolves it to the authenticated pubkey.
func (s *Server) requireSession(cookieHeader, authHeader string) (pubkey []byte, err error) {
	tok := tokenFromCookie(cookieHeader)
	if tok == "" {
		tok = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if tok == "" {
		return nil, fmt.Errorf("not authenticated")
	}
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	t, ok := s.tokens[tok]
	if !ok || time.Now().After(t.expiresAt) {
		delete(s.tokens, tok)
		return nil, fmt.Errorf("session expired")
	}
	return t.pubkey, nil
}

func tokenFromCookie(header string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if name, val, ok := strings.Cut(part, "="); ok && name == sessionCookieName {
			return val
		}
	}
	return ""
}

func setCookieHeader(tok string, expires time.Time) string {
	return fmt.Sprintf(
		"%s=%s; Path=/; HttpOnly; Secure; SameSite=Strict; Expires=%s",
		sessionCookieName, tok, expires.UTC().Format(http.TimeFormat),
	)
}

func clearCookieHeader() string {
	return fmt.Sprintf("%s=; Path=/; HttpOnly; Secure; SameSite=Strict; Max-Age=0", sessionCookieName)
}

type LoginInput struct {
	Auth string `header:"Authorization" doc:"NIP-98 HTTP auth: 'Nostr ' + base64(signed kind 27235 event)" required:"true"`
}

type LoginOutput struct {
	SetCookie string `header:"Set-Cookie"`
}

func (s *Server) registerLogin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "AdminLogin",
		Summary:       "Log in",
		Path:          "/api/login",
		Method:        http.MethodPost,
		Tags:          []string{"session"},
		Description:   "Exchange a signed NIP-98 HTTP-auth event for an admin session cookie.",
		DefaultStatus: 204,
	}, func(ctx context.Context, input *LoginInput) (output *LoginOutput, err error) {
		pubkey, verr := s.verifyHTTPAuth(input.Auth, http.MethodPost, s.baseURL+"/api/login")
		if verr != nil {
			return nil, huma.Error401Unauthorized(verr.Error())
		}
		tok := s.issueToken(pubkey)
		output = &LoginOutput{SetCookie: setCookieHeader(tok, time.Now().Add(sessionTTL))}
		return output, nil
	})
}

type LogoutInput struct {
	Cookie string `header:"Cookie"`
}

type LogoutOutput struct {
	SetCookie string `header:"Set-Cookie"`
}

func (s *Server) registerLogout(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "AdminLogout",
		Summary:       "Log out",
		Path:          "/api/logout",
		Method:        http.MethodPost,
		Tags:          []string{"session"},
		DefaultStatus: 204,
	}, func(ctx context.Context, input *LogoutInput) (output *LogoutOutput, err error) {
		s.revokeToken(tokenFromCookie(input.Cookie))
		return &LogoutOutput{SetCookie: clearCookieHeader()}, nil
	})
}

type StatusInput struct {
	Cookie        string `header:"Cookie"`
	Authorization string `header:"Authorization"`
}

type StatusOutput struct {
	Body struct {
		PendingRestart bool   `json:"pending_restart"`
		Domain         string `json:"domain"`
		Port           int    `json:"port"`
	}
}

func (s *Server) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "AdminStatus",
		Summary:     "Deployment status",
		Path:        "/api/status",
		Method:      http.MethodGet,
		Tags:        []string{"session"},
	}, func(ctx context.Context, input *StatusInput) (output *StatusOutput, err error) {
		if _, err = s.requireSession(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		doc := s.cfg.Snapshot()
		output = &StatusOutput{}
		output.Body.PendingRestart = s.cfg.PendingRestart()
		output.Body.Domain = doc.Domain
		output.Body.Port = doc.Port
		return output, nil
	})
}
