package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/rtmpush/internal/ffmpeg"
	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/playlist"
)

// session is the in-memory side of one relay session. mu serialises
// control calls and process events for the session.
type session struct {
	id     models.ULID
	key    string
	log    *slog.Logger
	ctx    context.Context // cancelled by StopSession and Close
	cancel context.CancelFunc

	mu           sync.Mutex
	state        models.SessionStatus
	gen          uint64
	h            *handle
	playlist     *playlist.Playlist
	input        string // what a (re)start plays
	onStandby    bool
	attempts     int
	reconnecting bool
	stopped      bool
}

// handle is the live encoder of a session. It is replaced on every start
// and never persisted.
type handle struct {
	proc         Proc
	gen          uint64
	startTime    time.Time
	destinations []models.Destination

	// loopEntry is the playlist entry repeated while on standby; empty
	// while a file plays.
	loopEntry string
	entryDur  time.Duration
	entries   int
	// listBase is the encoder clock when the playlist was last replaced.
	listBase time.Duration
	// fileEnd is the encoder clock at which the current file ends; zero
	// when unknown.
	fileEnd time.Duration
	clock   time.Duration
	// failedAt is the clock at which a standby entry failed to read; -1
	// when no failure is outstanding.
	failedAt time.Duration
}

// eventQueue buffers process events between the pump reading the
// process and the dispatcher, which may wait on the session lock.
// Consecutive progress events are coalesced.
type eventQueue struct {
	mu     sync.Mutex
	items  []ffmpeg.Event
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev ffmpeg.Event) {
	q.mu.Lock()
	if n := len(q.items); n > 0 && ev.Kind == ffmpeg.EventProgress && q.items[n-1].Kind == ffmpeg.EventProgress {
		q.items[n-1] = ev
	} else {
		q.items = append(q.items, ev)
	}
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (ffmpeg.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		if q.closed {
			q.mu.Unlock()
			return ffmpeg.Event{}, false
		}
		q.mu.Unlock()
		<-q.notify
	}
}
