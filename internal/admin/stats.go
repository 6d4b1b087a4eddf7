package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"moar.dev/internal/nostr/filter"
)

type StatsInput struct{ sessionAuthInput }

type RelayStats struct {
	Id         string `json:"id"`
	EventCount int    `json:"event_count"`
}

type StatsOutput struct {
	Body struct {
		TotalEvents int          `json:"total_events"`
		Relays      []RelayStats `json:"relays"`
	}
}

func (s *Server) registerStats(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "AdminStats", Summary: "Aggregated and per-relay event counters", Path: "/api/stats",
		Method: http.MethodGet, Tags: []string{"stats"},
	}, func(ctx context.Context, input *StatsInput) (output *StatsOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		output = &StatsOutput{}
		for id, st := range s.registry.storeSnapshot() {
			n, cerr := st.Count(filter.S{filter.New()})
			if cerr != nil {
				continue
			}
			output.Body.TotalEvents += n
			output.Body.Relays = append(output.Body.Relays, RelayStats{Id: id, EventCount: n})
		}
		return output, nil
	})
}

type RestartInput struct{ sessionAuthInput }

func (s *Server) registerRestart(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "AdminRestart", Summary: "Restart the process to apply pending cold configuration changes", Path: "/api/restart",
		Method: http.MethodPost, Tags: []string{"stats"}, DefaultStatus: 204,
	}, func(ctx context.Context, input *RestartInput) (output *EmptyOutput, err error) {
		if _, err = s.authed(input.Cookie, input.Authorization); err != nil {
			return nil, huma.Error401Unauthorized(err.Error())
		}
		if s.restart != nil {
			go func() {
				time.Sleep(100 * time.Millisecond)
				s.restart()
			}()
		}
		return nil, nil
	})
}
