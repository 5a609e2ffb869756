package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/mediagraph/internal/api/models"
	"github.com/smazurov/mediagraph/internal/filter"
)

// registerFilterRoutes registers the filter registry endpoints.
func (s *Server) registerFilterRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-filters",
		Method:      http.MethodGet,
		Path:        "/api/filters",
		Summary:     "List Filters",
		Description: "List registered filter types in registration order",
		Tags:        []string{"filters"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, input *struct{}) (*models.FilterListResponse, error) {
		descs := s.session.Registry().All()
		infos := make([]models.FilterInfo, 0, len(descs))
		for _, d := range descs {
			infos = append(infos, describeFilter(d))
		}
		return &models.FilterListResponse{
			Body: models.FilterListData{
				Filters: infos,
				Count:   len(infos),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-filter",
		Method:      http.MethodGet,
		Path:        "/api/filters/{name}",
		Summary:     "Get Filter",
		Description: "Describe one filter type with its arguments and capabilities",
		Tags:        []string{"filters"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name" example:"inspect" doc:"Filter type name"`
	}) (*models.FilterResponse, error) {
		d, err := s.session.Registry().Get(input.Name)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return &models.FilterResponse{Body: describeFilter(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "probe-source",
		Method:      http.MethodGet,
		Path:        "/api/probe",
		Summary:     "Probe Source",
		Description: "Pick the source filter best able to open a URL",
		Tags:        []string{"filters"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *struct {
		URL  string `query:"url" required:"true" example:"exec://date" doc:"URL to probe"`
		MIME string `query:"mime" doc:"Optional MIME type hint"`
	}) (*models.ProbeResponse, error) {
		d, score, err := s.session.Registry().Probe(input.URL, input.MIME)
		if err != nil {
			return nil, mapEngineError(err)
		}
		return &models.ProbeResponse{
			Body: models.ProbeData{
				URL:    input.URL,
				Filter: d.Name,
				Score:  score.String(),
			},
		}, nil
	})
}

func describeFilter(d *filter.Descriptor) models.FilterInfo {
	info := models.FilterInfo{
		Name:        d.Name,
		Description: d.Description,
		Priority:    d.Priority,
		Thread:      string(d.Thread),
		Explicit:    d.Explicit,
		Source:      d.IsSource(),
		Sink:        d.IsSink(),
		Caps:        d.Caps.Strings(),
	}
	if info.Thread == "" {
		info.Thread = string(filter.ThreadAny)
	}
	for _, a := range d.Args {
		if a.Flags&filter.ArgHidden != 0 {
			continue
		}
		info.Args = append(info.Args, models.ArgInfo{
			Name:        a.Name,
			Kind:        a.Kind.String(),
			Default:     a.Default,
			Description: a.Description,
			Enum:        a.Enum,
			Updatable:   a.Flags&filter.ArgUpdatable != 0,
			Required:    a.Flags&filter.ArgRequired != 0,
		})
	}
	return info
}
