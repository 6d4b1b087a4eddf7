package admin

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/danielgtaylor/huma/v2"

	"moar.dev/internal/apputil"
	"moar.dev/internal/config"
)

// readFileIfExists returns nil, nil when path does not exist, rather than
// an error, so callers can distinguish "no custom page set" from a real
// filesystem failure.
func readFileIfExists(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

func removeFileIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func findRelay(doc config.Document, id string) (config.Relay, bool) {
	for _, r := range doc.Relays {
		if r.Id == id {
			return r, true
		}
	}
	return config.Relay{}, false
}

func relayHost(r config.Relay, domain string) string {
	return r.Subdomain + "." + domain
}

type sessionAuthInput struct {
	Cookie        string `header:"Cookie"`
	Authorization string `header:"Authorization"`
}

func (s *Server) authed(cookie, auth string) ([]byte, error) {
	return s.requireSession(cookie, auth)
}

// --- relays ---

type ListRelaysInput struct{ sessionAuthInput }

type ListRelaysOutput struct {
	Body struct {
		Relays []config.Relay `json:"relays"`
	}
}

func (s *Server) registerListRelays(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ListRelays", Summary: "List relays", Path: "/api/relays",
		Method: http.MethodGet, Tags: []string{"relays"},
	}, func(ctx context.Context, input *ListRelaysInput) (output *ListRelaysOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		output = &ListRelaysOutput{}
		output.Body.Relays = s.cfg.Snapshot().Relays
		return output, nil
	})
}

type RelayIdInput struct {
	sessionAuthInput
	Id string `path:"id"`
}

type GetRelayOutput struct{ Body config.Relay }

func (s *Server) registerGetRelay(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "GetRelay", Summary: "Get a relay", Path: "/api/relays/{id}",
		Method: http.MethodGet, Tags: []string{"relays"},
	}, func(ctx context.Context, input *RelayIdInput) (output *GetRelayOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		r, ok := findRelay(s.cfg.Snapshot(), input.Id)
		if !ok {
			return nil, huma.Error404NotFound("no such relay")
		}
		return &GetRelayOutput{Body: r}, nil
	})
}

type CreateRelayInput struct {
	sessionAuthInput
	Body config.Relay
}

func (s *Server) registerCreateRelay(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "CreateRelay", Summary: "Create a relay", Path: "/api/relays",
		Method: http.MethodPost, Tags: []string{"relays"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *CreateRelayInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		if err = s.cfg.AddRelay(input.Body); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, nil
	})
}

type UpdateRelayInput struct {
	sessionAuthInput
	Id   string `path:"id"`
	Body config.Relay
}

func (s *Server) registerUpdateRelay(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "UpdateRelay", Summary: "Replace a relay's configuration", Path: "/api/relays/{id}",
		Method: http.MethodPut, Tags: []string{"relays"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *UpdateRelayInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		input.Body.Id = input.Id
		if err = s.cfg.UpdateRelay(input.Body); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, nil
	})
}

func (s *Server) registerDeleteRelay(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "DeleteRelay", Summary: "Delete a relay", Path: "/api/relays/{id}",
		Method: http.MethodDelete, Tags: []string{"relays"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *RelayIdInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		if err = s.cfg.DeleteRelay(input.Id); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		s.registry.DeleteStore(input.Id)
		return nil, nil
	})
}

// --- landing page ---

func (s *Server) pagePath(id string) string { return filepath.Join(s.pagesDir, id+".html") }

type GetRelayPageOutput struct {
	ContentType string `header:"Content-Type"`
	RawBody     []byte
}

func (s *Server) registerGetRelayPage(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "GetRelayPage", Summary: "Get a relay's landing page", Path: "/api/relays/{id}/page",
		Method: http.MethodGet, Tags: []string{"relays"},
	}, func(ctx context.Context, input *RelayIdInput) (output *GetRelayPageOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		b, rerr := readFileIfExists(s.pagePath(input.Id))
		if rerr != nil {
			return nil, huma.Error500InternalServerError(rerr.Error())
		}
		if b == nil {
			return nil, huma.Error404NotFound("no custom landing page set")
		}
		return &GetRelayPageOutput{ContentType: "text/html; charset=utf-8", RawBody: b}, nil
	})
}

type PutRelayPageInput struct {
	sessionAuthInput
	Id      string `path:"id"`
	RawBody []byte
}

func (s *Server) registerPutRelayPage(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "PutRelayPage", Summary: "Set a relay's landing page", Path: "/api/relays/{id}/page",
		Method: http.MethodPut, Tags: []string{"relays"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *PutRelayPageInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		doc := s.cfg.Snapshot()
		r, ok := findRelay(doc, input.Id)
		if !ok {
			return nil, huma.Error404NotFound("no such relay")
		}
		if err = apputil.AtomicWriteFile(s.pagePath(input.Id), input.RawBody); err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}
		s.router.SetLandingHTML(relayHost(r, doc.Domain), input.RawBody)
		return nil, nil
	})
}

func (s *Server) registerDeleteRelayPage(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "DeleteRelayPage", Summary: "Revert a relay's landing page to the default", Path: "/api/relays/{id}/page",
		Method: http.MethodDelete, Tags: []string{"relays"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *RelayIdInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		doc := s.cfg.Snapshot()
		r, ok := findRelay(doc, input.Id)
		if !ok {
			return nil, huma.Error404NotFound("no such relay")
		}
		_ = removeFileIfExists(s.pagePath(input.Id))
		s.router.SetLandingHTML(relayHost(r, doc.Domain), nil)
		return nil, nil
	})
}

// --- export / import ---

type ExportRelayInput struct {
	sessionAuthInput
	Id string `path:"id"`
}

// registerExportRelay implements GET /api/relays/{id}/export, grounded on
// the teacher's export.go huma.StreamResponse shape.
func (s *Server) registerExportRelay(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ExportRelay", Summary: "Export a relay's stored events as NDJSON", Path: "/api/relays/{id}/export",
		Method: http.MethodGet, Tags: []string{"relays"},
	}, func(ctx context.Context, input *ExportRelayInput) (resp *huma.StreamResponse, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		st, ok := s.registry.Store(input.Id)
		if !ok {
			return nil, huma.Error404NotFound("relay is not currently running")
		}
		resp = &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				ctx.SetHeader("Content-Type", "application/x-ndjson")
				if err := st.Export(ctx.BodyWriter()); err != nil {
					return
				}
				if f, ok := ctx.BodyWriter().(http.Flusher); ok {
					f.Flush()
				}
			},
		}
		return resp, nil
	})
}

type ImportRelayInput struct {
	sessionAuthInput
	Id      string `path:"id"`
	RawBody []byte
}

type ImportRelayOutput struct {
	Body struct {
		Imported int      `json:"imported"`
		Skipped  int      `json:"skipped"`
		Errors   []string `json:"errors"`
	}
}

// registerImportRelay implements POST /api/relays/{id}/import, grounded on
// the teacher's import.go (reads the request body directly and hands it to
// the storage layer's Import).
func (s *Server) registerImportRelay(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ImportRelay", Summary: "Import NDJSON events into a relay", Path: "/api/relays/{id}/import",
		Method: http.MethodPost, Tags: []string{"relays"},
	}, func(ctx context.Context, input *ImportRelayInput) (output *ImportRelayOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		st, ok := s.registry.Store(input.Id)
		if !ok {
			return nil, huma.Error404NotFound("relay is not currently running")
		}
		imported, skipped, errs := st.Import(bytes.NewReader(input.RawBody))
		output = &ImportRelayOutput{}
		output.Body.Imported = imported
		output.Body.Skipped = skipped
		output.Body.Errors = errs
		return output, nil
	})
}
