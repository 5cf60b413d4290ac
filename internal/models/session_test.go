package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULID(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())
	assert.NotEqual(t, id, NewULID())

	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULID_MonotonicAndTime(t *testing.T) {
	before := time.Now().Truncate(time.Millisecond)
	prev := NewULID()
	for range 100 {
		next := NewULID()
		assert.Less(t, prev.String(), next.String())
		prev = next
	}
	assert.False(t, prev.Time().Before(before))

	_, err := ParseULID("")
	assert.Error(t, err)
}

func TestULID_Scan(t *testing.T) {
	id := NewULID()

	var fromString ULID
	require.NoError(t, fromString.Scan(id.String()))
	assert.Equal(t, id, fromString)

	var fromBytes ULID
	require.NoError(t, fromBytes.Scan([]byte(id.String())))
	assert.Equal(t, id, fromBytes)

	var fromNil ULID
	require.NoError(t, fromNil.Scan(nil))
	assert.True(t, fromNil.IsZero())

	var bad ULID
	assert.Error(t, bad.Scan(42))
}

func TestULID_JSONMapKey(t *testing.T) {
	id := NewULID()
	data, err := json.Marshal(map[ULID]string{id: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(data), id.String())
}

func TestInputTypeOf(t *testing.T) {
	tests := []struct {
		path string
		want InputType
	}{
		{"/cache/standby/default-standby.png", InputTypeStandby},
		{"/cache/standby/01HZ-logo.JPG", InputTypeStandby},
		{"/media/standby-loop.mp4", InputTypeStandby},
		{"/media/match-highlights.mp4", InputTypeFile},
		{"/media/standby/clip.mp4", InputTypeFile},
		{"", InputTypeFile},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, InputTypeOf(tt.path))
		})
	}
}

func TestDestination_TargetURL(t *testing.T) {
	tests := []struct {
		name string
		dest Destination
		want string
	}{
		{"no key", Destination{URL: "rtmp://live.example/app"}, "rtmp://live.example/app"},
		{"key appended", Destination{URL: "rtmp://live.example/app", StreamKey: "abc"}, "rtmp://live.example/app/abc"},
		{"trailing slash trimmed", Destination{URL: "rtmp://live.example/app/", StreamKey: "abc"}, "rtmp://live.example/app/abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dest.TargetURL())
		})
	}
}

func TestSession_Validate(t *testing.T) {
	tests := []struct {
		name    string
		dests   []Destination
		wantErr error
		field   string
	}{
		{"no destinations", nil, ErrNoDestinations, ""},
		{"all disabled", []Destination{{URL: "rtmp://a/b", Enabled: BoolPtr(false)}}, ErrNoEnabledDestination, ""},
		{"missing url", []Destination{{}}, nil, "url"},
		{"wrong scheme", []Destination{{URL: "http://a/b"}}, nil, "url"},
		{"disabled invalid destination ignored", []Destination{
			{URL: "", Enabled: BoolPtr(false)},
			{URL: "rtmps://a/b"},
		}, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Destinations: tt.dests}
			err := s.Validate()

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsValidation(err))
			case tt.field != "":
				var ve ValidationError
				require.True(t, errors.As(err, &ve))
				assert.Equal(t, tt.field, ve.Field)
				assert.True(t, IsValidation(err))
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestSession_EnabledDestinations(t *testing.T) {
	s := &Session{Destinations: []Destination{
		{URL: "rtmp://a/1"},
		{URL: "rtmp://a/2", Enabled: BoolPtr(false)},
		{URL: "rtmp://a/3", Enabled: BoolPtr(true)},
	}}

	got := s.EnabledDestinations()
	require.Len(t, got, 2)
	assert.Equal(t, "rtmp://a/1", got[0].URL)
	assert.Equal(t, "rtmp://a/3", got[1].URL)
}

func TestSession_CloneIsDeep(t *testing.T) {
	now := time.Now()
	s := &Session{
		ID:           NewULID(),
		Destinations: []Destination{{URL: "rtmp://a/1", VideoSettings: &VideoSettings{Bitrate: "1M"}}},
		StartedAt:    &now,
	}

	c := s.Clone()
	c.Destinations[0].VideoSettings.Bitrate = "2M"
	c.Destinations[0].URL = "rtmp://b/1"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "1M", s.Destinations[0].VideoSettings.Bitrate)
	assert.Equal(t, "rtmp://a/1", s.Destinations[0].URL)
	assert.Equal(t, now, *s.StartedAt)
}
