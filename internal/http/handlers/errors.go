// Package handlers provides the HTTP API handlers for rtmpush.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/rtmpush/internal/catalog"
	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/observability"
	"github.com/jmylchreest/rtmpush/internal/playlist"
	"github.com/jmylchreest/rtmpush/internal/relay"
	"github.com/jmylchreest/rtmpush/internal/remote"
	"github.com/jmylchreest/rtmpush/internal/standby"
)

// toHTTPError maps domain errors onto API errors.
func toHTTPError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, relay.ErrSessionNotFound):
		return huma.Error404NotFound("session not found")
	case models.IsValidation(err):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, catalog.ErrFileNotFound), playlist.IsNotFound(err):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, remote.ErrNotReady):
		return huma.Error409Conflict("remote file is still downloading, retry shortly")
	case errors.Is(err, relay.ErrSessionNotLive):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, remote.ErrInvalidID), errors.Is(err, standby.ErrInvalidImage):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, standby.ErrImageTooLarge):
		return huma.NewError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, remote.ErrNotConfigured):
		return huma.NewError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, relay.ErrEncoderUnavailable), errors.Is(err, relay.ErrManagerClosed):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, relay.ErrStartTimeout):
		return huma.Error504GatewayTimeout(err.Error())
	}

	observability.LoggerFromContext(ctx).ErrorContext(ctx, "request failed",
		slog.String("operation", op),
		slog.Any("error", err),
	)
	return huma.Error500InternalServerError(op+" failed", err)
}
