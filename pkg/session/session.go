// Package session runs goose CLI sessions as long-lived child processes.
//
// A Session is driven by writing envelope-shaped lines to the child's stdin;
// replies are read back from the JSONL log the CLI appends to, starting at a
// remembered byte offset. stdout and stderr are diagnostic only.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/tail"
	"github.com/tinyland-inc/aetherbridge/pkg/utils"
	"github.com/tinyland-inc/aetherbridge/pkg/wait"
)

// ErrSessionExited is returned when the child exits while a turn is waiting.
var ErrSessionExited = errors.New("session process exited")

var readyMarkers = []string{"Session ready", "logging to"}

// SpawnError reports a session that could not be brought up.
type SpawnError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *SpawnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("spawn session %s: %s", e.SessionID, e.Reason)
	}
	return fmt.Sprintf("spawn session %s: %s: %v", e.SessionID, e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports a failed write to the session's control channel.
type WriteError struct {
	SessionID string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to session %s: %v", e.SessionID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type State int32

const (
	StateStarting State = iota
	StateReady
	StateProcessing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configure how sessions are launched.
type Options struct {
	Executable   string
	Builtins     []string
	SessionDir   string
	Env          map[string]string
	StartTimeout time.Duration
	// ReadyTimeout bounds how long Manager waits for a readiness marker on
	// stdout. Zero skips the wait.
	ReadyTimeout time.Duration
	// ReplyInbox and AgentName are stamped on every stdin envelope.
	ReplyInbox  string
	AgentName   string
	TailOptions []tail.Option
}

func (o Options) withDefaults() Options {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.AgentName == "" {
		o.AgentName = "ag1goose"
	}
	if o.ReplyInbox == "" {
		o.ReplyInbox = "AG1:agent:GooseAgent:inbox"
	}
	return o
}

// LogPath returns the JSONL log the CLI writes for id.
func (o Options) LogPath(id string) string {
	return filepath.Join(o.SessionDir, strings.ToLower(id)+".jsonl")
}

type Session struct {
	id      string
	opts    Options
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logPath string
	tail    *tail.Reader

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	exitErr   error

	state  atomic.Int32
	mu     sync.Mutex // stdin writes and offset
	offset int64
	turnMu sync.Mutex // one turn at a time
}

// Start launches the CLI for id and waits until its log file exists.
// A pre-existing log is not replayed: the initial offset is its current size.
func Start(ctx context.Context, opts Options, id string) (*Session, error) {
	opts = opts.withDefaults()

	if err := utils.ValidateIdentifier(id); err != nil {
		return nil, &SpawnError{SessionID: id, Reason: "invalid session id", Err: err}
	}

	bin, err := exec.LookPath(opts.Executable)
	if err != nil {
		return nil, &SpawnError{SessionID: id, Reason: "executable not found", Err: err}
	}

	if err := os.MkdirAll(opts.SessionDir, 0o755); err != nil {
		return nil, &SpawnError{SessionID: id, Reason: "create session directory", Err: err}
	}

	s := &Session{
		id:      id,
		opts:    opts,
		logPath: opts.LogPath(id),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.tail = tail.NewReader(s.logPath, id, opts.TailOptions...)
	if info, err := os.Stat(s.logPath); err == nil {
		s.offset = info.Size()
	}

	args := []string{"session", "--name", id}
	for _, b := range opts.Builtins {
		args = append(args, "--with-builtin", b)
	}

	// Not CommandContext: the session outlives the request that started it.
	s.cmd = exec.Command(bin, args...)
	s.cmd.Env = os.Environ()
	for k, v := range opts.Env {
		s.cmd.Env = append(s.cmd.Env, k+"="+v)
	}
	s.cmd.WaitDelay = 2 * time.Second

	s.stdin, err = s.cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{SessionID: id, Reason: "create stdin pipe", Err: err}
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	s.cmd.Stdout = stdoutW
	s.cmd.Stderr = stderrW

	logger.DebugCF("session", "Launching session", map[string]any{
		"session_id": id,
		"command":    bin + " " + strings.Join(args, " "),
	})

	if err := s.cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, &SpawnError{SessionID: id, Reason: "start process", Err: err}
	}

	go s.watch(stdoutW, stderrW)
	go s.readStdout(stdoutR)
	go s.readStderr(stderrR)

	err = wait.Until(ctx, wait.Policy{Timeout: opts.StartTimeout, Interval: 100 * time.Millisecond},
		"wait for session log", id, func() (bool, error) {
			select {
			case <-s.done:
				return false, &SpawnError{SessionID: id, Reason: "process exited immediately", Err: s.exitErr}
			default:
			}
			_, err := os.Stat(s.logPath)
			return err == nil, nil
		})
	if err != nil {
		s.kill()
		var se *SpawnError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &SpawnError{SessionID: id, Reason: "log file never appeared", Err: err}
	}

	s.state.Store(int32(StateReady))
	logger.InfoCF("session", "Session started", map[string]any{
		"session_id": id,
		"pid":        s.cmd.Process.Pid,
		"log":        s.logPath,
		"offset":     s.offset,
	})
	return s, nil
}

func (s *Session) ID() string      { return s.id }
func (s *Session) LogPath() string { return s.logPath }
func (s *Session) State() State    { return State(s.state.Load()) }

// Done is closed once the child has exited and been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitErr is the child's exit status; only meaningful after Done.
func (s *Session) ExitErr() error {
	select {
	case <-s.done:
		return s.exitErr
	default:
		return nil
	}
}

// IsRunning reports liveness without blocking.
func (s *Session) IsRunning() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// WaitReady blocks until stdout has printed a readiness marker.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrSessionExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// logEnd is the current size of the session log, or 0 if it cannot be read.
func (s *Session) logEnd() int64 {
	fi, err := os.Stat(s.logPath)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *Session) setOffset(off int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = off
}

// SendUserInput writes one envelope line with the given text to stdin.
func (s *Session) SendUserInput(text string) error {
	if !s.IsRunning() {
		return &WriteError{SessionID: s.id, Err: ErrSessionExited}
	}

	env := &bus.Envelope{
		Role:         bus.RoleUser,
		Content:      bus.TextContent(strings.TrimRight(text, " \t\r\n")),
		AgentName:    s.opts.AgentName,
		ReplyTo:      s.opts.ReplyInbox,
		EnvelopeType: bus.TypeMessage,
		Timestamp:    bus.Now(),
		Meta:         map[string]any{"priority": "normal"},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return &WriteError{SessionID: s.id, Err: err}
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return &WriteError{SessionID: s.id, Err: err}
	}

	logger.DebugCF("session", "Input sent", map[string]any{
		"session_id": s.id,
		"chars":      len(env.Content.Text),
	})
	return nil
}

// Exchange runs one turn: send text, then wait for the next assistant record
// written after that input. The stored offset only moves when a reply is
// found; a late reply to a timed out turn is skipped by the next one.
func (s *Session) Exchange(ctx context.Context, text string, timeout time.Duration) (string, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.state.CompareAndSwap(int32(StateReady), int32(StateProcessing))
	defer s.state.CompareAndSwap(int32(StateProcessing), int32(StateReady))

	// turnMu is held, so whatever the log already holds belongs to earlier turns.
	from := max(s.Offset(), s.logEnd())
	if err := s.SendUserInput(text); err != nil {
		return "", err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-turnCtx.Done():
		}
	}()

	start := time.Now()
	reply, next, err := s.tail.WaitForAssistantReply(turnCtx, from, timeout)
	if err != nil {
		if ctx.Err() == nil && !s.IsRunning() {
			return "", fmt.Errorf("session %s: %w", s.id, ErrSessionExited)
		}
		return "", err
	}
	s.setOffset(next)

	logger.InfoCF("session", "Reply received", map[string]any{
		"session_id": s.id,
		"elapsed_ms": time.Since(start).Milliseconds(),
		"chars":      len(reply),
		"preview":    utils.Truncate(reply, 100),
	})
	return reply, nil
}

// Stop closes stdin, gives the child a moment to exit, then kills it.
func (s *Session) Stop() error {
	if !s.IsRunning() {
		return nil
	}
	s.mu.Lock()
	s.stdin.Close()
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		s.kill()
	}
	return nil
}

func (s *Session) kill() {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	<-s.done
}

// watch reaps the child and releases the diagnostic readers.
func (s *Session) watch(stdoutW, stderrW *io.PipeWriter) {
	err := s.cmd.Wait()
	stdoutW.Close()
	stderrW.Close()

	s.exitErr = err
	s.state.Store(int32(StateTerminated))
	close(s.done)

	fields := map[string]any{"session_id": s.id}
	if err != nil {
		fields["error"] = err.Error()
	}
	logger.InfoCF("session", "Session process exited", fields)
}

func (s *Session) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, marker := range readyMarkers {
			if strings.Contains(line, marker) {
				s.readyOnce.Do(func() {
					close(s.ready)
					logger.InfoCF("session", "Session is ready", map[string]any{"session_id": s.id})
				})
				break
			}
		}
		logger.DebugCF("session", line, map[string]any{"session_id": s.id, "stream": "stdout"})
	}
	io.Copy(io.Discard, r)
}

func (s *Session) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "failed to load extension") && strings.Contains(line, "goose_agent") {
			logger.DebugCF("session", "Suppressed extension error: "+line, map[string]any{"session_id": s.id})
			continue
		}
		logger.WarnCF("session", line, map[string]any{"session_id": s.id, "stream": "stderr"})
	}
	io.Copy(io.Discard, r)
}
