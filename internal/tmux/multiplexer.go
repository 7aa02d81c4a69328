// Package tmux maps (user, slot) pairs onto named tmux sessions on the remote
// host and provides attach, detach, list and atomic destroy over an SSH
// connection.
package tmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dirkpetersen/web-term/internal/logutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// ErrRemoteCommandTimeout is returned by DestroyAll when the completion
// sentinel was not observed within the configured timeout.
var ErrRemoteCommandTimeout = errors.New("tmux: remote command timed out")

// ChannelCreationError means the connection could not open a new command
// channel. It usually indicates that the whole connection is unusable.
type ChannelCreationError struct {
	Op   string
	Name string
	Err  error
}

func (e *ChannelCreationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("tmux %s: open channel: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tmux %s %s: open channel: %v", e.Op, e.Name, e.Err)
}

func (e *ChannelCreationError) Unwrap() error { return e.Err }

// DefaultDetachKeys is the default tmux prefix (C-b) followed by d.
const DefaultDetachKeys = "\x02d"

type Config struct {
	Prefix         string
	DetachKeys     string
	DetachGrace    time.Duration
	DestroyTimeout time.Duration
	Term           string
}

// Multiplexer issues tmux commands over SSH connections owned by callers.
// It holds no per-connection state and is safe for concurrent use.
type Multiplexer struct {
	prefix         string
	detachKeys     []byte
	detachGrace    time.Duration
	destroyTimeout time.Duration
	term           string

	resizeFailures atomic.Int64
}

func New(cfg Config) *Multiplexer {
	if cfg.Prefix == "" {
		cfg.Prefix = "webterm"
	}
	if cfg.DetachKeys == "" {
		cfg.DetachKeys = DefaultDetachKeys
	}
	if cfg.DetachGrace <= 0 {
		cfg.DetachGrace = 250 * time.Millisecond
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 5 * time.Second
	}
	if cfg.Term == "" {
		cfg.Term = "xterm-256color"
	}
	return &Multiplexer{
		prefix:         cfg.Prefix,
		detachKeys:     []byte(cfg.DetachKeys),
		detachGrace:    cfg.DetachGrace,
		destroyTimeout: cfg.DestroyTimeout,
		term:           cfg.Term,
	}
}

// ResizeFailures returns how many resize requests have failed since start.
func (m *Multiplexer) ResizeFailures() int64 { return m.resizeFailures.Load() }

// AttachOrCreate runs "tmux new-session -A" for name on a new PTY channel.
// The remote session is created if it does not exist, otherwise the new
// client attaches to it.
func (m *Multiplexer) AttachOrCreate(client *ssh.Client, name string, cols, rows int) (*Stream, error) {
	if client == nil {
		return nil, &ChannelCreationError{Op: "attach", Name: name, Err: errors.New("no connection")}
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &ChannelCreationError{Op: "attach", Name: name, Err: err}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(m.term, rows, cols, modes); err != nil {
		session.Close()
		return nil, &ChannelCreationError{Op: "request pty", Name: name, Err: err}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(attachCommand(name)); err != nil {
		session.Close()
		return nil, &ChannelCreationError{Op: "attach", Name: name, Err: err}
	}

	log.Printf("[tmux] attached %s (%dx%d)", name, cols, rows)
	return newStream(name, session, stdin, stdout, stderr), nil
}

// Resize changes the window size of stream. Failures are logged and counted
// but never returned; a wrong size is preferable to losing the terminal.
func (m *Multiplexer) Resize(stream *Stream, cols, rows int) bool {
	if err := stream.Resize(cols, rows); err != nil {
		m.resizeFailures.Add(1)
		log.Printf("[tmux] resize %s to %dx%d failed: %v", stream.Name(), cols, rows, err)
		return false
	}
	return true
}

// Detach sends the detach key sequence, waits for the client to exit or the
// grace period to elapse, then closes the stream. The remote session keeps
// running.
func (m *Multiplexer) Detach(stream *Stream) {
	if _, err := stream.Write(m.detachKeys); err != nil {
		log.Printf("[tmux] detach keys to %s: %v", stream.Name(), err)
	}
	timer := time.NewTimer(m.detachGrace)
	defer timer.Stop()
	select {
	case <-stream.Done():
	case <-timer.C:
	}
	stream.Close()
}

// ListSessions returns the sorted names of remote sessions in scope. Any
// failure, including "no server running", yields an empty list.
func (m *Multiplexer) ListSessions(ctx context.Context, client *ssh.Client, sc Scope) []string {
	out, err := m.run(ctx, client, listCommand)
	if err != nil {
		log.Printf("[tmux] list sessions for %s: %v", logutil.SanitizeForLog(sc.Username), err)
		return []string{}
	}

	re := m.scopeRegexp(sc)
	names := []string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && re.MatchString(line) {
			names = append(names, line)
		}
	}
	sort.Strings(names)
	return names
}

// run executes cmd and returns its stdout. A non-zero exit status is not an
// error; callers parse whatever output was produced.
func (m *Multiplexer) run(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	if client == nil {
		return "", errors.New("no connection")
	}
	session, err := client.NewSession()
	if err != nil {
		return "", &ChannelCreationError{Op: "run", Err: err}
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := session.Output(cmd)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		var exitErr *ssh.ExitError
		if r.err != nil && !errors.As(r.err, &exitErr) {
			return string(r.out), r.err
		}
		return string(r.out), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DestroyAll kills every remote session in scope with exactly one remote
// command. It returns once the command's completion sentinel is read or its
// channel closes, and ErrRemoteCommandTimeout if neither happens in time.
func (m *Multiplexer) DestroyAll(ctx context.Context, client *ssh.Client, sc Scope) error {
	if client == nil {
		return &ChannelCreationError{Op: "destroy", Err: errors.New("no connection")}
	}
	session, err := client.NewSession()
	if err != nil {
		return &ChannelCreationError{Op: "destroy", Err: err}
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	sentinel := "webterm-teardown-" + uuid.NewString()
	cmd := destroyCommand(m.scopePattern(sc), sentinel)
	if err := session.Start(cmd); err != nil {
		return &ChannelCreationError{Op: "destroy", Err: err}
	}

	// true: sentinel seen, false: channel closed without it
	finished := make(chan bool, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == sentinel {
				finished <- true
				return
			}
		}
		finished <- false
	}()

	timer := time.NewTimer(m.destroyTimeout)
	defer timer.Stop()

	select {
	case sawSentinel := <-finished:
		if !sawSentinel {
			log.Printf("[tmux] teardown for %s: channel closed before completion token", logutil.SanitizeForLog(sc.Username))
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("destroy sessions of %s after %s: %w", sc.Username, m.destroyTimeout, ErrRemoteCommandTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
