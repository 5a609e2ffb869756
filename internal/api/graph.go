package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/mediagraph/internal/api/models"
	"github.com/smazurov/mediagraph/internal/filter"
)

// argUpdateTimeout bounds how long an argument update waits for the
// instance task to apply it.
const argUpdateTimeout = 5 * time.Second

// registerGraphRoutes registers the session inspection and control endpoints.
func (s *Server) registerGraphRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-graph",
		Method:      http.MethodGet,
		Path:        "/api/graph",
		Summary:     "Get Graph",
		Description: "Snapshot of the running filter graph with per-instance and per-pid counters",
		Tags:        []string{"graph"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, input *struct{}) (*models.GraphResponse, error) {
		return &models.GraphResponse{Body: s.graphSnapshot()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/api/graph/instances/{id}",
		Summary:     "Get Instance",
		Description: "Snapshot of one filter instance",
		Tags:        []string{"graph"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id" example:"sink" doc:"Instance identifier"`
	}) (*models.InstanceResponse, error) {
		f, ok := s.session.Instance(input.ID)
		if !ok {
			return nil, huma.Error404NotFound(fmt.Sprintf("instance %q not found", input.ID))
		}
		return &models.InstanceResponse{Body: instanceData(f.Stats())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "send-event",
		Method:        http.MethodPost,
		Path:          "/api/graph/instances/{id}/events",
		Summary:       "Send Event",
		Description:   "Deliver a control event to an instance as if it came from outside the graph",
		Tags:          []string{"graph"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{400, 401, 404, 409},
	}, func(ctx context.Context, input *models.EventRequest) (*models.AcceptedResponse, error) {
		ev, err := buildEvent(input.Body)
		if err != nil {
			return nil, err
		}
		if err := s.session.SendEvent(input.ID, ev); err != nil {
			return nil, mapEngineError(err)
		}
		s.logger.Info("Event sent", "instance", input.ID, "event", ev.String())
		return &models.AcceptedResponse{
			Status: http.StatusAccepted,
			Body: models.AcceptedData{
				Status:  "accepted",
				Message: fmt.Sprintf("%s queued for %s", ev.String(), input.ID),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-arg",
		Method:      http.MethodPut,
		Path:        "/api/graph/instances/{id}/args/{name}",
		Summary:     "Update Argument",
		Description: "Change an updatable argument of a running instance",
		Tags:        []string{"graph"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 409, 422, 504},
	}, func(ctx context.Context, input *models.ArgUpdateRequest) (*models.InstanceResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, argUpdateTimeout)
		defer cancel()
		if err := s.session.UpdateArg(ctx, input.ID, input.Name, input.Body.Value); err != nil {
			return nil, mapEngineError(err)
		}
		f, ok := s.session.Instance(input.ID)
		if !ok {
			return nil, huma.Error404NotFound(fmt.Sprintf("instance %q not found", input.ID))
		}
		return &models.InstanceResponse{Body: instanceData(f.Stats())}, nil
	})
}

func buildEvent(req models.EventRequestData) (*filter.Event, error) {
	switch filter.EventType(req.Type) {
	case filter.EventPlay:
		ev := filter.Play(req.Start, req.End)
		if req.Speed != 0 {
			ev.Speed = req.Speed
		}
		return ev, nil
	case filter.EventStop:
		return filter.Stop(), nil
	case filter.EventSourceSeek:
		if req.Offset < 0 {
			return nil, huma.Error400BadRequest("offset must not be negative")
		}
		return filter.SourceSeek(req.Offset), nil
	case filter.EventResetScene:
		return filter.ResetScene(), nil
	}
	return nil, huma.Error400BadRequest(fmt.Sprintf("unsupported event type %q", req.Type))
}

func (s *Server) graphSnapshot() models.GraphData {
	st := s.session.Stats()
	data := models.GraphData{
		SessionID:   st.ID,
		Started:     s.session.Started(),
		Error:       st.Error,
		LivePackets: st.LivePackets,
		BlockedPids: s.session.BlockedPids(),
		Scheduler: models.SchedulerData{
			Workers: st.Scheduler.Workers,
			Queued:  st.Scheduler.Queued,
			Busy:    st.Scheduler.Busy,
			Runs:    st.Scheduler.Runs,
			Steals:  st.Scheduler.Steals,
		},
		Instances: make([]models.InstanceData, 0, len(st.Instances)),
	}
	for _, inst := range st.Instances {
		data.Instances = append(data.Instances, instanceData(inst))
	}
	return data
}

func instanceData(st filter.InstanceStats) models.InstanceData {
	data := models.InstanceData{
		ID:           st.ID,
		Filter:       st.Filter,
		State:        string(st.State),
		Dynamic:      st.Dynamic,
		Error:        st.Error,
		Args:         st.Args,
		ProcessCalls: st.ProcessCalls,
		Errors:       st.Errors,
		BusyTimeMs:   float64(st.BusyTime.Microseconds()) / 1000,
		Inputs:       make([]models.PidData, 0, len(st.Inputs)),
		Outputs:      make([]models.PidData, 0, len(st.Outputs)),
	}
	for _, p := range st.Inputs {
		data.Inputs = append(data.Inputs, pidData(p))
	}
	for _, p := range st.Outputs {
		data.Outputs = append(data.Outputs, pidData(p))
	}
	return data
}

func pidData(p filter.PidStats) models.PidData {
	return models.PidData{
		ID:             p.ID,
		Name:           p.Name,
		Peer:           p.Peer,
		PacketsSent:    p.PacketsSent,
		BytesSent:      p.BytesSent,
		PacketsDropped: p.PacketsDropped,
		QueueLen:       p.QueueLen,
		QueueBytes:     p.QueueBytes,
		QueueDuration:  p.QueueDuration,
		Blocked:        p.Blocked,
		Stopped:        p.Stopped,
		EOS:            p.EOS,
		Props:          p.Props,
	}
}
