package models

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a relay session.
type SessionStatus string

const (
	SessionStatusDisconnected SessionStatus = "DISCONNECTED"
	SessionStatusConnecting   SessionStatus = "CONNECTING"
	// SessionStatusConnected means the encoder is live and playing standby content.
	SessionStatusConnected SessionStatus = "CONNECTED"
	// SessionStatusStreaming means the encoder is live and playing a file.
	SessionStatusStreaming    SessionStatus = "STREAMING"
	SessionStatusReconnecting SessionStatus = "RECONNECTING"
	SessionStatusError        SessionStatus = "ERROR"
)

// IsLive reports whether the status implies a running encoder.
func (s SessionStatus) IsLive() bool {
	return s == SessionStatusConnected || s == SessionStatusStreaming
}

// InputType classifies what a session is currently playing.
type InputType string

const (
	InputTypeStandby InputType = "standby"
	InputTypeFile    InputType = "file"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".webp": true, ".tif": true, ".tiff": true,
}

// IsImagePath reports whether path has a still-image extension.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// InputTypeOf derives the input type from a path: images and anything
// whose name mentions "standby" count as standby.
func InputTypeOf(path string) InputType {
	if IsImagePath(path) || strings.Contains(strings.ToLower(filepath.Base(path)), "standby") {
		return InputTypeStandby
	}
	return InputTypeFile
}

// Destination is one RTMP target a session pushes to.
type Destination struct {
	URL       string `json:"url"`
	StreamKey string `json:"stream_key,omitempty"`
	// Enabled defaults to true when unset.
	Enabled       *bool          `json:"enabled,omitempty"`
	VideoSettings *VideoSettings `json:"video_settings,omitempty"`
	AudioSettings *AudioSettings `json:"audio_settings,omitempty"`
}

// IsEnabled returns true if the destination should receive output.
func (d Destination) IsEnabled() bool {
	return BoolVal(d.Enabled)
}

// TargetURL returns the publish URL with the stream key appended.
func (d Destination) TargetURL() string {
	if d.StreamKey == "" {
		return d.URL
	}
	return strings.TrimRight(d.URL, "/") + "/" + d.StreamKey
}

// Overrides returns the destination's own settings; unset groups are zero.
func (d Destination) Overrides() EncoderSettings {
	var s EncoderSettings
	if d.VideoSettings != nil {
		s.Video = *d.VideoSettings
	}
	if d.AudioSettings != nil {
		s.Audio = *d.AudioSettings
	}
	return s
}

// Validate checks a single destination.
func (d Destination) Validate() error {
	if d.URL == "" {
		return ValidationError{Field: "url", Message: "url is required"}
	}
	u, err := url.Parse(d.URL)
	if err != nil || u.Host == "" {
		return ValidationError{Field: "url", Message: "url must be an absolute rtmp:// or rtmps:// URL"}
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return ValidationError{Field: "url", Message: "url scheme must be rtmp or rtmps"}
	}
	return nil
}

// Session is the durable description of a relay session.
type Session struct {
	ID            ULID          `gorm:"primarykey;type:varchar(26)" json:"id"`
	Name          string        `gorm:"size:255" json:"name"`
	Destinations  []Destination `gorm:"serializer:json" json:"destinations"`
	StandbyInput  string        `gorm:"size:1024" json:"standby_input,omitempty"`
	VideoSettings VideoSettings `gorm:"serializer:json" json:"video_settings"`
	AudioSettings AudioSettings `gorm:"serializer:json" json:"audio_settings"`
	Status        SessionStatus `gorm:"size:20;index" json:"status"`
	CurrentInput  string        `gorm:"size:1024" json:"current_input,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	LastSwitchAt  *time.Time    `json:"last_switch_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	ErrorMessage  string        `gorm:"type:text" json:"error_message,omitempty"`
}

// TableName returns the table name for Session.
func (Session) TableName() string {
	return "sessions"
}

// Validate checks the destinations of a session.
func (s *Session) Validate() error {
	if len(s.Destinations) == 0 {
		return ErrNoDestinations
	}
	enabled := 0
	for _, d := range s.Destinations {
		if !d.IsEnabled() {
			continue
		}
		if err := d.Validate(); err != nil {
			return err
		}
		enabled++
	}
	if enabled == 0 {
		return ErrNoEnabledDestination
	}
	return nil
}

// EnabledDestinations returns the destinations that receive output, in order.
func (s *Session) EnabledDestinations() []Destination {
	out := make([]Destination, 0, len(s.Destinations))
	for _, d := range s.Destinations {
		if d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}

// GlobalSettings returns the session-wide encoder settings.
func (s *Session) GlobalSettings() EncoderSettings {
	return EncoderSettings{Video: s.VideoSettings, Audio: s.AudioSettings}
}

// Clone returns a deep copy so callers can mutate without sharing slices
// or pointers with the original.
func (s *Session) Clone() *Session {
	c := *s
	c.Destinations = make([]Destination, len(s.Destinations))
	for i, d := range s.Destinations {
		if d.Enabled != nil {
			d.Enabled = BoolPtr(*d.Enabled)
		}
		if d.VideoSettings != nil {
			v := *d.VideoSettings
			d.VideoSettings = &v
		}
		if d.AudioSettings != nil {
			a := *d.AudioSettings
			d.AudioSettings = &a
		}
		c.Destinations[i] = d
	}
	c.StartedAt = cloneTime(s.StartedAt)
	c.LastSwitchAt = cloneTime(s.LastSwitchAt)
	c.EndedAt = cloneTime(s.EndedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
