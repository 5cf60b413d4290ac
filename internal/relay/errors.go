package relay

import (
	"errors"

	"github.com/jmylchreest/rtmpush/internal/models"
)

var (
	// ErrSessionNotFound is returned when no durable record exists for an id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoEnabledDestination is returned when a session has no enabled destination.
	ErrNoEnabledDestination = models.ErrNoEnabledDestination

	// ErrStartTimeout is returned when the encoder does not confirm its start in time.
	ErrStartTimeout = errors.New("encoder did not start in time")

	// ErrEncoderUnavailable is returned when ffmpeg or a required encoder is missing.
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	// ErrSessionNotLive is returned when a switch targets a session without a running encoder.
	ErrSessionNotLive = errors.New("session has no running encoder")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("relay manager is closed")
)
