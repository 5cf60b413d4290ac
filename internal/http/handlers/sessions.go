package handlers

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/relay"
)

// SessionService is the relay control surface the handlers drive.
type SessionService interface {
	CreateSession(ctx context.Context, req relay.CreateSessionRequest) (*models.Session, error)
	StopSession(ctx context.Context, id string) bool
	GetSessionStatus(ctx context.Context, id string) (*relay.SessionStatus, error)
	GetActiveSessions() []relay.ActiveSession
	SwitchToFile(ctx context.Context, id, fileRef string, isRemote bool) (*relay.SwitchResult, error)
	SwitchToStandby(ctx context.Context, id string) (*relay.SwitchResult, error)
	UploadStandbyImage(ctx context.Context, id string, data []byte, filename string) (*relay.UploadResult, error)
}

// maxUploadBytes bounds standby uploads read from a multipart body.
const maxUploadBytes = 32 << 20

// SessionHandler serves /api/v1/sessions.
type SessionHandler struct {
	svc SessionService
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(svc SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createSession",
		Method:        http.MethodPost,
		Path:          "/api/v1/sessions",
		Summary:       "Create session",
		Description:   "Starts a persistent push to the given destinations, playing standby content. Returns once the encoder has confirmed its start.",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusCreated,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listActiveSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List active sessions",
		Description: "Lists sessions with a running encoder",
		Tags:        []string{"Sessions"},
	}, h.ListActive)

	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get session status",
		Tags:        []string{"Sessions"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "stopSession",
		Method:      http.MethodDelete,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Stop session",
		Description: "Stops the encoder and removes the session. Stopping an unknown session succeeds.",
		Tags:        []string{"Sessions"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "switchToFile",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/switch/file",
		Summary:     "Switch to file",
		Description: "Plays a catalog or remote file on the running encoder without restarting it",
		Tags:        []string{"Sessions"},
	}, h.SwitchToFile)

	huma.Register(api, huma.Operation{
		OperationID: "switchToStandby",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/switch/standby",
		Summary:     "Switch to standby",
		Tags:        []string{"Sessions"},
	}, h.SwitchToStandby)

	huma.Register(api, huma.Operation{
		OperationID:      "uploadStandby",
		Method:           http.MethodPost,
		Path:             "/api/v1/sessions/{id}/standby",
		Summary:          "Upload standby image",
		Description:      "Stores an image as the session's standby input. Does not switch to it.",
		Tags:             []string{"Sessions"},
		RequestBody:      &huma.RequestBody{Content: map[string]*huma.MediaType{"multipart/form-data": {}}},
		SkipValidateBody: true,
	}, h.UploadStandby)
}

// CreateSessionBody is the request body for creating a session.
type CreateSessionBody struct {
	Name          string               `json:"name,omitempty" maxLength:"255" doc:"Display name"`
	Destinations  []models.Destination `json:"destinations" minItems:"1" doc:"RTMP targets"`
	StandbyInput  string               `json:"standby_input,omitempty" doc:"Absolute path of the standby image or video; a generated slate is used when empty"`
	VideoSettings models.VideoSettings `json:"video_settings,omitempty"`
	AudioSettings models.AudioSettings `json:"audio_settings,omitempty"`
}

// CreateSessionInput is the input for creating a session.
type CreateSessionInput struct {
	Body CreateSessionBody
}

// SessionOutput wraps a session record.
type SessionOutput struct {
	Body *models.Session
}

// Create creates and starts a session.
func (h *SessionHandler) Create(ctx context.Context, input *CreateSessionInput) (*SessionOutput, error) {
	sess, err := h.svc.CreateSession(ctx, relay.CreateSessionRequest{
		Name:          input.Body.Name,
		Destinations:  input.Body.Destinations,
		StandbyInput:  input.Body.StandbyInput,
		VideoSettings: input.Body.VideoSettings,
		AudioSettings: input.Body.AudioSettings,
	})
	if err != nil {
		return nil, toHTTPError(ctx, "create session", err)
	}
	return &SessionOutput{Body: sess}, nil
}

// ListActiveOutput is the output for listing active sessions.
type ListActiveOutput struct {
	Body struct {
		Sessions []relay.ActiveSession `json:"sessions"`
	}
}

// ListActive lists sessions with a running encoder.
func (h *SessionHandler) ListActive(_ context.Context, _ *struct{}) (*ListActiveOutput, error) {
	out := &ListActiveOutput{}
	out.Body.Sessions = h.svc.GetActiveSessions()
	return out, nil
}

// SessionIDInput identifies a session.
type SessionIDInput struct {
	ID string `path:"id" doc:"Session ID"`
}

// SessionStatusOutput is the output for the status endpoint.
type SessionStatusOutput struct {
	Body *relay.SessionStatus
}

// Get returns a session's status.
func (h *SessionHandler) Get(ctx context.Context, input *SessionIDInput) (*SessionStatusOutput, error) {
	st, err := h.svc.GetSessionStatus(ctx, input.ID)
	if err != nil {
		return nil, toHTTPError(ctx, "get session", err)
	}
	return &SessionStatusOutput{Body: st}, nil
}

// StopOutput is the output for stopping a session.
type StopOutput struct {
	Body struct {
		Success bool `json:"success"`
	}
}

// Stop stops a session.
func (h *SessionHandler) Stop(ctx context.Context, input *SessionIDInput) (*StopOutput, error) {
	out := &StopOutput{}
	out.Body.Success = h.svc.StopSession(ctx, input.ID)
	return out, nil
}

// SwitchToFileInput is the input for switching to a file.
type SwitchToFileInput struct {
	ID   string `path:"id" doc:"Session ID"`
	Body struct {
		FileID   string `json:"file_id" minLength:"1" doc:"Catalog id, or remote file id when is_remote is set"`
		IsRemote bool   `json:"is_remote,omitempty"`
	}
}

// SwitchOutput is the output of both switch endpoints.
type SwitchOutput struct {
	Body *relay.SwitchResult
}

// SwitchToFile plays a file on the running encoder.
func (h *SessionHandler) SwitchToFile(ctx context.Context, input *SwitchToFileInput) (*SwitchOutput, error) {
	res, err := h.svc.SwitchToFile(ctx, input.ID, input.Body.FileID, input.Body.IsRemote)
	if err != nil {
		return nil, toHTTPError(ctx, "switch to file", err)
	}
	return &SwitchOutput{Body: res}, nil
}

// SwitchToStandby plays standby on the running encoder.
func (h *SessionHandler) SwitchToStandby(ctx context.Context, input *SessionIDInput) (*SwitchOutput, error) {
	res, err := h.svc.SwitchToStandby(ctx, input.ID)
	if err != nil {
		return nil, toHTTPError(ctx, "switch to standby", err)
	}
	return &SwitchOutput{Body: res}, nil
}

// UploadStandbyInput is the multipart upload of a standby image.
type UploadStandbyInput struct {
	ID      string `path:"id" doc:"Session ID"`
	RawBody multipart.Form
}

// UploadStandbyOutput is the output for a standby upload.
type UploadStandbyOutput struct {
	Body *relay.UploadResult
}

// UploadStandby stores an uploaded standby image.
func (h *SessionHandler) UploadStandby(ctx context.Context, input *UploadStandbyInput) (*UploadStandbyOutput, error) {
	files := input.RawBody.File["file"]
	if len(files) == 0 {
		return nil, huma.Error400BadRequest("no file provided")
	}
	fh := files[0]
	if fh.Size > maxUploadBytes {
		return nil, huma.NewError(http.StatusRequestEntityTooLarge, "file too large")
	}

	f, err := fh.Open()
	if err != nil {
		return nil, huma.Error400BadRequest("failed to open uploaded file")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return nil, huma.Error400BadRequest("failed to read uploaded file")
	}

	res, err := h.svc.UploadStandbyImage(ctx, input.ID, data, fh.Filename)
	if err != nil {
		return nil, toHTTPError(ctx, "upload standby image", err)
	}
	return &UploadStandbyOutput{Body: res}, nil
}
