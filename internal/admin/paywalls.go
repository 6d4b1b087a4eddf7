package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"moar.dev/internal/config"
)

type ListPaywallsInput struct{ sessionAuthInput }

type ListPaywallsOutput struct {
	Body struct {
		Paywalls []config.Paywall `json:"paywalls"`
	}
}

func (s *Server) registerListPaywalls(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ListPaywalls", Summary: "List paywalls", Path: "/api/paywalls",
		Method: http.MethodGet, Tags: []string{"paywalls"},
	}, func(ctx context.Context, input *ListPaywallsInput) (output *ListPaywallsOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		output = &ListPaywallsOutput{}
		output.Body.Paywalls = s.cfg.Snapshot().Paywalls
		return output, nil
	})
}

type CreatePaywallInput struct {
	sessionAuthInput
	Body config.Paywall
}

func (s *Server) registerCreatePaywall(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "CreatePaywall", Summary: "Create a paywall", Path: "/api/paywalls",
		Method: http.MethodPost, Tags: []string{"paywalls"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *CreatePaywallInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		if err = s.cfg.AddPaywall(input.Body); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, nil
	})
}

type UpdatePaywallInput struct {
	sessionAuthInput
	Id   string `path:"id"`
	Body config.Paywall
}

func (s *Server) registerUpdatePaywall(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "UpdatePaywall", Summary: "Replace a paywall's configuration", Path: "/api/paywalls/{id}",
		Method: http.MethodPut, Tags: []string{"paywalls"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *UpdatePaywallInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		input.Body.Id = input.Id
		if err = s.cfg.UpdatePaywall(input.Body); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, nil
	})
}

type PaywallIdInput struct {
	sessionAuthInput
	Id string `path:"id"`
}

func (s *Server) registerDeletePaywall(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "DeletePaywall", Summary: "Delete a paywall", Path: "/api/paywalls/{id}",
		Method: http.MethodDelete, Tags: []string{"paywalls"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *PaywallIdInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		if err = s.cfg.DeletePaywall(input.Id); err != nil {
			return nil, huma.Error409Conflict(err.Error())
		}
		s.registry.DeletePaywall(input.Id)
		return nil, nil
	})
}

type WhitelistOutput struct {
	Body struct {
		Entries []WhitelistEntryDTO `json:"entries"`
	}
}

type WhitelistEntryDTO struct {
	Pubkey    string    `json:"pubkey"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) registerPaywallWhitelist(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "PaywallWhitelist", Summary: "List a paywall's whitelisted pubkeys", Path: "/api/paywalls/{id}/whitelist",
		Method: http.MethodGet, Tags: []string{"paywalls"},
	}, func(ctx context.Context, input *PaywallIdInput) (output *WhitelistOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		c, ok := s.registry.Paywall(input.Id)
		if !ok {
			return nil, huma.Error404NotFound("paywall is not currently running")
		}
		output = &WhitelistOutput{}
		for _, e := range c.Whitelist() {
			output.Body.Entries = append(output.Body.Entries, WhitelistEntryDTO{Pubkey: e.Pubkey, ExpiresAt: e.ExpiresAt})
		}
		return output, nil
	})
}
