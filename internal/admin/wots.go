package admin

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"moar.dev/internal/config"
)

type ListWotsInput struct{ sessionAuthInput }

type ListWotsOutput struct {
	Body struct {
		Wots []config.Wot `json:"wots"`
	}
}

func (s *Server) registerListWots(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ListWots", Summary: "List web-of-trust sets", Path: "/api/wots",
		Method: http.MethodGet, Tags: []string{"wots"},
	}, func(ctx context.Context, input *ListWotsInput) (output *ListWotsOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		output = &ListWotsOutput{}
		output.Body.Wots = s.cfg.Snapshot().Wots
		return output, nil
	})
}

type CreateWotInput struct {
	sessionAuthInput
	Body config.Wot
}

func (s *Server) registerCreateWot(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "CreateWot", Summary: "Create a web-of-trust set", Path: "/api/wots",
		Method: http.MethodPost, Tags: []string{"wots"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *CreateWotInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		if err = s.cfg.AddWot(input.Body); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, nil
	})
}

type UpdateWotInput struct {
	sessionAuthInput
	Id   string `path:"id"`
	Body config.Wot
}

func (s *Server) registerUpdateWot(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "UpdateWot", Summary: "Replace a web-of-trust set's configuration", Path: "/api/wots/{id}",
		Method: http.MethodPut, Tags: []string{"wots"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *UpdateWotInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		input.Body.Id = input.Id
		if err = s.cfg.UpdateWot(input.Body); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, nil
	})
}

type WotIdInput struct {
	sessionAuthInput
	Id string `path:"id"`
}

func (s *Server) registerDeleteWot(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "DeleteWot", Summary: "Delete a web-of-trust set", Path: "/api/wots/{id}",
		Method: http.MethodDelete, Tags: []string{"wots"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *WotIdInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		if err = s.cfg.DeleteWot(input.Id); err != nil {
			return nil, huma.Error409Conflict(err.Error())
		}
		s.registry.DeleteWot(input.Id)
		return nil, nil
	})
}

// --- discovery relays ---

type GetDiscoveryRelaysInput struct{ sessionAuthInput }

type GetDiscoveryRelaysOutput struct {
	Body struct {
		Relays []string `json:"relays"`
	}
}

func (s *Server) registerGetDiscoveryRelays(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "GetDiscoveryRelays", Summary: "List discovery relays used to crawl WoT follow graphs", Path: "/api/discovery-relays",
		Method: http.MethodGet, Tags: []string{"wots"},
	}, func(ctx context.Context, input *GetDiscoveryRelaysInput) (output *GetDiscoveryRelaysOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		output = &GetDiscoveryRelaysOutput{}
		output.Body.Relays = s.cfg.Snapshot().DiscoveryRelays
		return output, nil
	})
}

type PutDiscoveryRelaysInput struct {
	sessionAuthInput
	Body struct {
		Relays []string `json:"relays"`
	}
}

func (s *Server) registerPutDiscoveryRelays(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "PutDiscoveryRelays", Summary: "Replace the discovery relay list", Path: "/api/discovery-relays",
		Method: http.MethodPut, Tags: []string{"wots"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *PutDiscoveryRelaysInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		if err = s.cfg.SetDiscoveryRelays(input.Body.Relays); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, nil
	})
}
