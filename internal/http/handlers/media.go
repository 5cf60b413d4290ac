package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/rtmpush/internal/catalog"
	"github.com/jmylchreest/rtmpush/internal/remote"
)

// MediaCatalog lists local media.
type MediaCatalog interface {
	List() []catalog.Entry
	Scan(ctx context.Context) error
}

// RemoteFiles reports and starts remote downloads.
type RemoteFiles interface {
	Resolve(ctx context.Context, id string) (string, error)
	Status(id string) (remote.Status, bool)
}

// MediaHandler serves the local catalog and remote download status.
type MediaHandler struct {
	catalog MediaCatalog
	remote  RemoteFiles
}

// NewMediaHandler creates a media handler. Either collaborator may be nil.
func NewMediaHandler(cat MediaCatalog, rem RemoteFiles) *MediaHandler {
	return &MediaHandler{catalog: cat, remote: rem}
}

// Register registers the media routes with the API.
func (h *MediaHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listMedia",
		Method:      http.MethodGet,
		Path:        "/api/v1/media",
		Summary:     "List local media",
		Description: "Lists files in the media directory with their stable ids",
		Tags:        []string{"Media"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "rescanMedia",
		Method:      http.MethodPost,
		Path:        "/api/v1/media/rescan",
		Summary:     "Rescan local media",
		Tags:        []string{"Media"},
	}, h.Rescan)

	huma.Register(api, huma.Operation{
		OperationID: "getRemoteFile",
		Method:      http.MethodGet,
		Path:        "/api/v1/remote/{id}",
		Summary:     "Get remote file status",
		Tags:        []string{"Media"},
	}, h.RemoteStatus)

	huma.Register(api, huma.Operation{
		OperationID:   "fetchRemoteFile",
		Method:        http.MethodPost,
		Path:          "/api/v1/remote/{id}",
		Summary:       "Fetch remote file",
		Description:   "Starts downloading a remote file so a later switch finds it ready",
		Tags:          []string{"Media"},
		DefaultStatus: http.StatusAccepted,
	}, h.FetchRemote)
}

// MediaListOutput is the output for listing media.
type MediaListOutput struct {
	Body struct {
		Files []catalog.Entry `json:"files"`
	}
}

// List lists local media.
func (h *MediaHandler) List(_ context.Context, _ *struct{}) (*MediaListOutput, error) {
	out := &MediaListOutput{}
	out.Body.Files = []catalog.Entry{}
	if h.catalog != nil {
		out.Body.Files = h.catalog.List()
	}
	return out, nil
}

// Rescan rescans the media directory.
func (h *MediaHandler) Rescan(ctx context.Context, _ *struct{}) (*MediaListOutput, error) {
	if h.catalog == nil {
		return nil, huma.NewError(http.StatusNotImplemented, "no media directory configured")
	}
	if err := h.catalog.Scan(ctx); err != nil {
		return nil, toHTTPError(ctx, "rescan media", err)
	}
	return h.List(ctx, nil)
}

// RemoteIDInput identifies a remote file.
type RemoteIDInput struct {
	ID string `path:"id" doc:"Remote file id"`
}

// RemoteStatusOutput is the output for remote status endpoints.
type RemoteStatusOutput struct {
	Body remote.Status
}

// RemoteStatus reports the download status of a remote file.
func (h *MediaHandler) RemoteStatus(ctx context.Context, input *RemoteIDInput) (*RemoteStatusOutput, error) {
	if h.remote == nil {
		return nil, toHTTPError(ctx, "remote status", remote.ErrNotConfigured)
	}
	st, ok := h.remote.Status(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("remote file not requested yet")
	}
	return &RemoteStatusOutput{Body: st}, nil
}

// FetchRemote starts a download, or reports it ready.
func (h *MediaHandler) FetchRemote(ctx context.Context, input *RemoteIDInput) (*RemoteStatusOutput, error) {
	if h.remote == nil {
		return nil, toHTTPError(ctx, "fetch remote file", remote.ErrNotConfigured)
	}
	path, err := h.remote.Resolve(ctx, input.ID)
	if err != nil && !errors.Is(err, remote.ErrNotReady) {
		return nil, toHTTPError(ctx, "fetch remote file", err)
	}
	st, ok := h.remote.Status(input.ID)
	if !ok {
		st = remote.Status{ID: input.ID, State: remote.StateReady, Path: path}
	}
	return &RemoteStatusOutput{Body: st}, nil
}
