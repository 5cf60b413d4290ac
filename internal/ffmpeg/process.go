package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// EventKind classifies what a running process reported.
type EventKind int

const (
	// EventStarted is sent once, when outputs are open or the first stats
	// line arrives.
	EventStarted EventKind = iota
	// EventProgress carries a parsed stats line. Progress events are dropped
	// rather than block when the reader falls behind.
	EventProgress
	// EventInputError reports that the current input could not be read while
	// the process itself kept running.
	EventInputError
	// EventExited is always the last event; the channel is closed after it.
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventInputError:
		return "input_error"
	case EventExited:
		return "exited"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one observation from a running process.
type Event struct {
	Kind     EventKind
	Progress Progress
	Line     string
	// Err is the exit error for EventExited; nil means a clean exit.
	Err error
	// Stopped is set on EventExited when the exit was requested via Stop.
	Stopped bool
}

const maxStderrLines = 100

var startedMarkers = []string{"Output #0", "Press [q]"}

var inputErrorMarkers = []string{
	"Impossible to open",
	"No such file or directory",
	"Invalid data found when processing input",
	"Error opening input",
}

// Process is a supervised FFmpeg process.
type Process struct {
	command *Command
	cmd     *exec.Cmd
	started time.Time
	events  chan Event
	done    chan struct{}

	stopping atomic.Bool
	stopOnce sync.Once

	mu      sync.RWMutex
	lines   []string
	last    Progress
	exitErr error
}

// StartProcess launches cmd and begins supervising it. Stderr is appended
// to logPath when set. The process is not bound to any request context; it
// runs until it exits or Stop is called.
func StartProcess(command *Command, logPath string) (*Process, error) {
	cmd := exec.Command(command.Binary, command.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}

	var logFile *os.File
	if logPath != "" {
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("opening ffmpeg log %s: %w", logPath, err)
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	p := &Process{
		command: command,
		cmd:     cmd,
		started: time.Now(),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		lines:   make([]string, 0, maxStderrLines),
	}
	go p.run(stderr, logFile)
	return p, nil
}

// Events returns the event stream. It is closed after EventExited.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// StartedAt returns when the process was launched.
func (p *Process) StartedAt() time.Time {
	return p.started
}

// Command returns the command the process runs.
func (p *Process) Command() *Command {
	return p.command
}

// LastProgress returns the most recent stats line.
func (p *Process) LastProgress() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// StderrLines returns the recent non-stats stderr lines.
func (p *Process) StderrLines() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.lines...)
}

// Err returns the exit error once the process is done.
func (p *Process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Stop asks FFmpeg to finish with SIGTERM so it can close its outputs, and
// kills it if it has not exited within timeout. Safe to call repeatedly.
func (p *Process) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = p.cmd.Process.Kill()
		}
	})

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing ffmpeg: %w", err)
	}
	<-p.done
	return nil
}

func (p *Process) run(stderr io.Reader, logFile *os.File) {
	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== FFmpeg session started at %s ===\n", p.started.Format(time.RFC3339))
		fmt.Fprintf(logFile, "Command: %s\n\n", p.command.String())
	}

	startedSent := false
	markStarted := func() {
		if !startedSent {
			startedSent = true
			p.events <- Event{Kind: EventStarted}
		}
	}

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(ScanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if prog, ok := ParseProgress(line); ok {
			p.mu.Lock()
			p.last = prog
			p.mu.Unlock()
			markStarted()
			select {
			case p.events <- Event{Kind: EventProgress, Progress: prog, Line: line}:
			default:
			}
			continue
		}

		p.mu.Lock()
		if len(p.lines) >= maxStderrLines {
			p.lines = p.lines[1:]
		}
		p.lines = append(p.lines, line)
		p.mu.Unlock()
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}

		if containsAny(line, startedMarkers) {
			markStarted()
		}
		if containsAny(line, inputErrorMarkers) {
			p.events <- Event{Kind: EventInputError, Line: line}
		}
	}

	err := p.cmd.Wait()
	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== FFmpeg session ended at %s (%v) ===\n", time.Now().Format(time.RFC3339), exitDescription(err))
		logFile.Close()
	}

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	p.events <- Event{Kind: EventExited, Err: err, Stopped: p.stopping.Load()}
	close(p.events)
	close(p.done)
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func exitDescription(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}
