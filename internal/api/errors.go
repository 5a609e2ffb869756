package api

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/mediagraph/internal/filter"
)

// mapEngineError converts engine errors into HTTP errors.
func mapEngineError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout("instance did not apply the request in time")
	}
	if errors.Is(err, filter.ErrNoSource) {
		return huma.Error404NotFound(err.Error())
	}
	switch filter.CodeOf(err) {
	case filter.CodeNotFound:
		return huma.Error404NotFound(err.Error())
	case filter.CodeBadParameter:
		return huma.Error400BadRequest(err.Error())
	case filter.CodeUnsupported:
		return huma.Error422UnprocessableEntity(err.Error())
	case filter.CodeNotConnected:
		return huma.Error409Conflict(err.Error())
	case filter.CodeCapabilityMismatch:
		return huma.Error422UnprocessableEntity(err.Error())
	default:
		return huma.Error500InternalServerError("engine error", err)
	}
}
