// Package tail follows a session's append-only JSONL log and extracts the
// first assistant reply written after a known byte offset.
package tail

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/wait"
)

const (
	DefaultPollInterval  = 50 * time.Millisecond
	DefaultRetryInterval = 100 * time.Millisecond
	DefaultMaxReadErrors = 5
)

// DefaultSkipPatterns are diagnostic lines the CLI interleaves with records.
var DefaultSkipPatterns = []string{"mcp_client::transport::stdio"}

// ReadError is returned after too many consecutive low-level read failures.
type ReadError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s: %d consecutive errors, last: %v", e.Path, e.Attempts, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

type Option func(*Reader)

func WithPollInterval(d time.Duration) Option {
	return func(r *Reader) { r.pollInterval = d }
}

func WithRetryInterval(d time.Duration) Option {
	return func(r *Reader) { r.retryInterval = d }
}

func WithMaxReadErrors(n int) Option {
	return func(r *Reader) { r.maxReadErrors = n }
}

func WithSkipPatterns(patterns ...string) Option {
	return func(r *Reader) { r.skip = patterns }
}

// Reader tails one session log file. It holds no offset of its own; callers
// pass the offset in and store the one handed back.
type Reader struct {
	path          string
	sessionID     string
	pollInterval  time.Duration
	retryInterval time.Duration
	maxReadErrors int
	skip          []string
}

func NewReader(path, sessionID string, opts ...Option) *Reader {
	r := &Reader{
		path:          path,
		sessionID:     sessionID,
		pollInterval:  DefaultPollInterval,
		retryInterval: DefaultRetryInterval,
		maxReadErrors: DefaultMaxReadErrors,
		skip:          DefaultSkipPatterns,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) Path() string { return r.path }

// follower is the per-call read state.
type follower struct {
	*Reader
	file   *os.File
	br     *bufio.Reader
	offset int64
	// carry holds bytes of a line whose newline has not been written yet.
	carry []byte
	// acc accumulates lines until they form one complete JSON value.
	acc     []byte
	errs    int
	lastErr error
}

// WaitForAssistantReply reads records after from until one has role
// "assistant" and a string content[0].text. It returns that text and the
// offset just past the record's line.
//
// The returned offset never goes backwards, except when the file shrinks
// below it (truncation or rotation); reading then restarts from 0.
// On error the returned offset is from, unchanged.
func (r *Reader) WaitForAssistantReply(ctx context.Context, from int64, timeout time.Duration) (string, int64, error) {
	deadline := wait.NewDeadline(timeout)
	timeoutErr := &wait.TimeoutError{Op: "wait for assistant reply", ID: r.sessionID, After: timeout}

	err := wait.Until(ctx, wait.Policy{Timeout: timeout, Interval: r.retryInterval}, "wait for session log", r.sessionID,
		func() (bool, error) {
			_, err := os.Stat(r.path)
			return err == nil, nil
		})
	if err != nil {
		return "", from, err
	}

	f := &follower{Reader: r, offset: from}
	defer f.close()

	logger.DebugCF("tail", "Waiting for assistant reply", map[string]any{
		"session_id": r.sessionID,
		"path":       r.path,
		"offset":     from,
		"timeout_ms": timeout.Milliseconds(),
	})

	for {
		if err := ctx.Err(); err != nil {
			return "", from, err
		}
		if deadline.Expired() {
			return "", from, timeoutErr
		}

		if f.file == nil {
			if err := f.open(); err != nil {
				if rerr := f.failed(err); rerr != nil {
					return "", from, rerr
				}
				if err := wait.Sleep(ctx, deadline.Slice(r.retryInterval)); err != nil {
					return "", from, err
				}
				continue
			}
		}

		chunk, err := f.br.ReadBytes('\n')
		switch {
		case err == nil:
			f.errs = 0
			line := append(f.carry, chunk...)
			f.carry = nil
			f.offset += int64(len(line))
			if text, ok := f.consume(line); ok {
				return text, f.offset, nil
			}

		case errors.Is(err, io.EOF):
			f.carry = append(f.carry, chunk...)
			if err := f.atEOF(ctx, deadline); err != nil {
				if rerr := f.failed(err); rerr != nil {
					return "", from, rerr
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", from, ctxErr
				}
			}

		default:
			if rerr := f.failed(err); rerr != nil {
				return "", from, rerr
			}
			f.close()
			if err := wait.Sleep(ctx, deadline.Slice(r.retryInterval)); err != nil {
				return "", from, err
			}
		}
	}
}

func (f *follower) open() error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		file.Close()
		return err
	}
	f.file = file
	f.br = bufio.NewReader(file)
	f.carry = nil
	return nil
}

func (f *follower) close() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
		f.br = nil
	}
}

// failed records a low-level error and returns a ReadError once the limit is hit.
func (f *follower) failed(err error) error {
	f.errs++
	f.lastErr = err
	logger.WarnCF("tail", "Session log read failed", map[string]any{
		"session_id":         f.sessionID,
		"error":              err.Error(),
		"consecutive_errors": f.errs,
	})
	if f.errs >= f.maxReadErrors {
		return &ReadError{Path: f.path, Attempts: f.errs, Err: f.lastErr}
	}
	return nil
}

// atEOF decides what to do when the reader has caught up with the writer.
func (f *follower) atEOF(ctx context.Context, deadline wait.Deadline) error {
	info, err := os.Stat(f.path)
	if err != nil {
		f.close()
		wait.Sleep(ctx, deadline.Slice(f.retryInterval))
		return err
	}
	f.errs = 0

	seen := f.offset + int64(len(f.carry))
	switch {
	case info.Size() < f.offset:
		logger.WarnCF("tail", "Session log shrank, restarting from the beginning", map[string]any{
			"session_id": f.sessionID,
			"size":       info.Size(),
			"offset":     f.offset,
		})
		f.close()
		f.offset = 0
		f.acc = nil
	case info.Size() > seen:
		// More was written since the last read; reopen at the committed offset.
		f.close()
	default:
		wait.Sleep(ctx, deadline.Slice(f.pollInterval))
	}
	return nil
}

// consume feeds one complete line to the accumulator and reports an
// assistant reply if the accumulated record is one.
func (f *follower) consume(line []byte) (string, bool) {
	line = bytes.TrimRight(line, "\r\n")
	for _, p := range f.skip {
		if bytes.Contains(line, []byte(p)) {
			logger.DebugCF("tail", "Skipping diagnostic line", map[string]any{"session_id": f.sessionID})
			return "", false
		}
	}
	if len(f.acc) == 0 && len(bytes.TrimSpace(line)) == 0 {
		return "", false
	}

	candidate := append(append([]byte(nil), f.acc...), line...)
	switch classify(candidate) {
	case complete:
		f.acc = nil
		return assistantText(candidate)
	case incomplete:
		f.acc = candidate
		return "", false
	}

	logger.DebugCF("tail", "Discarding invalid JSON", map[string]any{
		"session_id": f.sessionID,
		"bytes":      len(candidate),
	})
	hadPrefix := len(f.acc) > 0
	f.acc = nil
	if hadPrefix {
		// The stale fragment may be what broke the parse; give the line a chance on its own.
		return f.consume(line)
	}
	return "", false
}

type parseState int

const (
	complete parseState = iota
	incomplete
	invalid
)

func classify(data []byte) parseState {
	if json.Valid(data) {
		return complete
	}
	var v json.RawMessage
	err := json.NewDecoder(bytes.NewReader(data)).Decode(&v)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return incomplete
	}
	return invalid
}

func assistantText(record []byte) (string, bool) {
	if gjson.GetBytes(record, "role").String() != "assistant" {
		return "", false
	}
	if !gjson.GetBytes(record, "content").IsArray() {
		return "", false
	}
	text := gjson.GetBytes(record, "content.0.text")
	if text.Type != gjson.String {
		return "", false
	}
	return text.String(), true
}
