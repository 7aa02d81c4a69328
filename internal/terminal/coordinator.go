package terminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dirkpetersen/web-term/internal/audit"
	"github.com/dirkpetersen/web-term/internal/logutil"
	"github.com/dirkpetersen/web-term/internal/session"
	"github.com/dirkpetersen/web-term/internal/tmux"
)

var (
	// ErrInvalidTerminal is returned by Create for an unrecognised terminal id.
	ErrInvalidTerminal = errors.New("invalid terminal id")
	// ErrSessionClosed is returned for operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")

	errConnectionLost = errors.New("ssh connection lost")
)

var terminalSlots = map[string]tmux.Slot{
	"term-1": tmux.SlotMain,
	"term-2": tmux.SlotTop,
	"term-3": tmux.SlotBottom,
}

// TerminalIDs lists the recognised terminal ids in slot order.
var TerminalIDs = []string{"term-1", "term-2", "term-3"}

// SlotFor maps a terminal id to its tmux slot.
func SlotFor(id string) (tmux.Slot, bool) {
	slot, ok := terminalSlots[id]
	return slot, ok
}

type Options struct {
	// PerLogin gives every login its own tmux sessions instead of sharing
	// one set per user.
	PerLogin bool
	// IdleTimeout expires sessions without subscribers after this long.
	// Zero disables expiry.
	IdleTimeout time.Duration
}

// Coordinator owns the terminal channels of every session in a registry.
type Coordinator struct {
	registry *session.Registry
	mux      *tmux.Multiplexer
	auditor  *audit.Auditor
	opts     Options

	pumps sync.WaitGroup
}

// NewCoordinator wires a coordinator to registry. auditor may be nil.
func NewCoordinator(registry *session.Registry, mux *tmux.Multiplexer, auditor *audit.Auditor, opts Options) *Coordinator {
	c := &Coordinator{
		registry: registry,
		mux:      mux,
		auditor:  auditor,
		opts:     opts,
	}
	registry.OnConnectionLost(func(s *session.Session) {
		c.Invalidate(s, errConnectionLost)
	})
	return c
}

// scope is the set of tmux sessions owned by this login.
func (c *Coordinator) scope(s *session.Session) tmux.Scope {
	if c.opts.PerLogin {
		return tmux.Scope{Username: s.Username, Tag: s.Tag}
	}
	return tmux.Scope{Username: s.Username}
}

// RemoteName returns the tmux session name terminal id maps to for s.
func (c *Coordinator) RemoteName(s *session.Session, id string) (string, error) {
	slot, ok := SlotFor(id)
	if !ok {
		return "", ErrInvalidTerminal
	}
	return c.mux.SessionName(c.scope(s), slot), nil
}

// Create attaches terminal id to its tmux session, creating the remote
// session if needed. A channel already bound to id is detached first so two
// streams never feed the same terminal. A failure to open a channel
// invalidates the whole session.
func (c *Coordinator) Create(s *session.Session, id string, cols, rows int) error {
	slot, ok := SlotFor(id)
	if !ok {
		return ErrInvalidTerminal
	}
	cols, rows = ClampSize(cols, rows)

	unlock := s.Exclusive()
	defer unlock()
	if s.Closing() {
		return ErrSessionClosed
	}
	s.Touch()

	if prev, ok := s.Terminal(id); ok {
		if prev.Finish(session.StateDetached) {
			s.RemoveTerminal(id, prev)
			c.mux.Detach(prev.Stream)
			log.Printf("[terminal] %s: replaced stale %s (%s)", s.Tag, id, prev.AttachID)
		} else {
			s.RemoveTerminal(id, prev)
		}
	}

	name := c.mux.SessionName(c.scope(s), slot)
	stream, err := c.mux.AttachOrCreate(s.Client(), name, cols, rows)
	if err != nil {
		var cce *tmux.ChannelCreationError
		if errors.As(err, &cce) {
			c.invalidateLocked(s, err)
		}
		return fmt.Errorf("create %s: %w", id, err)
	}

	ch := session.NewChannel(id, name, stream, cols, rows)
	s.PutTerminal(ch)
	s.Publish(session.Output{Kind: session.OutputReady, TerminalID: id})

	c.pumps.Add(1)
	go c.pump(s, ch)

	c.auditor.Log(audit.AuditEntry{
		SessionTag: s.Tag,
		Username:   s.Username,
		EventType:  audit.EventTerminalCreate,
		TerminalID: id,
		Details:    "remote=" + name + " attach=" + ch.AttachID,
	})
	return nil
}

// pump forwards one channel's stream events to the session's subscribers.
// Output arriving after the channel left the attached state is dropped.
func (c *Coordinator) pump(s *session.Session, ch *session.Channel) {
	defer c.pumps.Done()

	var carry []byte
	for ev := range ch.Stream.Events() {
		switch ev.Kind {
		case tmux.EventData:
			if ch.State() != session.StateAttached {
				carry = nil
				continue
			}
			data := ev.Data
			if len(carry) > 0 {
				data = append(carry, data...)
			}
			data, carry = splitUTF8(data)
			if len(data) > 0 {
				s.Publish(session.Output{Kind: session.OutputData, TerminalID: ch.TerminalID, Data: data})
			}

		case tmux.EventClosed:
			if !ch.Finish(session.StateEnded) {
				continue
			}
			s.RemoveTerminal(ch.TerminalID, ch)
			if len(carry) > 0 {
				s.Publish(session.Output{Kind: session.OutputData, TerminalID: ch.TerminalID, Data: carry})
				carry = nil
			}
			s.Publish(session.Output{Kind: session.OutputClosed, TerminalID: ch.TerminalID})
			log.Printf("[terminal] %s: %s ended remotely", s.Tag, ch.TerminalID)
			c.auditor.Log(audit.AuditEntry{
				SessionTag: s.Tag,
				Username:   s.Username,
				EventType:  audit.EventTerminalClose,
				TerminalID: ch.TerminalID,
				Details:    "remote process ended",
				DurationMs: time.Since(ch.CreatedAt).Milliseconds(),
			})
		}
	}
}

// splitUTF8 returns p without a trailing incomplete UTF-8 sequence, and that
// sequence separately.
func splitUTF8(p []byte) ([]byte, []byte) {
	n := len(p)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if !utf8.FullRune(p[i:]) {
			return p[:i], append([]byte(nil), p[i:]...)
		}
		break
	}
	return p, nil
}

// Write forwards input to terminal id. Unknown ids are ignored and write
// failures are only logged.
func (c *Coordinator) Write(s *session.Session, id string, data []byte) {
	ch, ok := s.Terminal(id)
	if !ok || ch.State() != session.StateAttached {
		return
	}
	s.Touch()
	if _, err := ch.Stream.Write(data); err != nil {
		log.Printf("[terminal] %s: write to %s: %v", s.Tag, id, err)
	}
}

// Resize changes the window size of terminal id. Unknown ids are ignored.
func (c *Coordinator) Resize(s *session.Session, id string, cols, rows int) {
	ch, ok := s.Terminal(id)
	if !ok || ch.State() != session.StateAttached {
		return
	}
	cols, rows = ClampSize(cols, rows)
	if c.mux.Resize(ch.Stream, cols, rows) {
		ch.SetSize(cols, rows)
	}
}

// CloseOne detaches terminal id, leaving its tmux session running, and
// notifies subscribers that the terminal closed. Unknown ids are ignored.
func (c *Coordinator) CloseOne(s *session.Session, id string) {
	unlock := s.Exclusive()
	defer unlock()

	ch, ok := s.Terminal(id)
	if !ok || !ch.Finish(session.StateDetached) {
		return
	}
	s.RemoveTerminal(id, ch)
	c.mux.Detach(ch.Stream)
	s.Publish(session.Output{Kind: session.OutputClosed, TerminalID: id})

	c.auditor.Log(audit.AuditEntry{
		SessionTag: s.Tag,
		Username:   s.Username,
		EventType:  audit.EventTerminalClose,
		TerminalID: id,
		Details:    "detached",
		DurationMs: time.Since(ch.CreatedAt).Milliseconds(),
	})
}

// DetachAll detaches every terminal of s once no subscriber is left. It is
// the disconnect path: tmux sessions survive and a later Create reattaches.
func (c *Coordinator) DetachAll(s *session.Session) int {
	unlock := s.Exclusive()
	defer unlock()
	if s.SubscriberCount() > 0 {
		return 0
	}
	return c.detachAllLocked(s)
}

func (c *Coordinator) detachAllLocked(s *session.Session) int {
	var wg sync.WaitGroup
	n := 0
	for _, ch := range s.TakeTerminals() {
		if !ch.Finish(session.StateDetached) {
			continue
		}
		n++
		wg.Add(1)
		go func(ch *session.Channel) {
			defer wg.Done()
			c.mux.Detach(ch.Stream)
		}(ch)
	}
	wg.Wait()
	if n > 0 {
		log.Printf("[terminal] %s: detached %d terminal(s)", s.Tag, n)
	}
	return n
}

// DestroySession is the logout path. Under the session lock it kills every
// tmux session of the login (or of the user, with allLogins) in one remote
// command, waits for that command, then closes the SFTP handle and the
// connection, reports every terminal closed and drops the session. The
// local teardown completes even when the remote command times out; that
// error is returned after cleanup.
func (c *Coordinator) DestroySession(ctx context.Context, s *session.Session, allLogins bool) error {
	unlock := s.Exclusive()
	defer unlock()
	if !s.MarkClosing() {
		return ErrSessionClosed
	}

	start := time.Now()
	marked := make(map[*session.Channel]bool)
	for _, id := range s.TerminalIDs() {
		if ch, ok := s.Terminal(id); ok && ch.Finish(session.StateDestroyed) {
			marked[ch] = true
		}
	}

	sc := c.scope(s)
	if allLogins {
		sc = tmux.Scope{Username: s.Username, AnyTag: true}
	}
	err := c.mux.DestroyAll(ctx, s.Client(), sc)

	event, details := audit.EventTeardown, fmt.Sprintf("terminals=%d all=%t", len(marked), allLogins)
	if err != nil {
		log.Printf("[terminal] WARNING: %s: teardown of %s incomplete: %v", s.Tag, logutil.SanitizeForLog(s.Username), err)
		if errors.Is(err, tmux.ErrRemoteCommandTimeout) {
			event = audit.EventTeardownTimeout
		}
		details += " error=" + err.Error()
	}

	if cerr := s.Close(); cerr != nil {
		log.Printf("[terminal] %s: %v", s.Tag, cerr)
	}

	for _, ch := range s.TakeTerminals() {
		ch.Stream.Close()
		if marked[ch] {
			s.Publish(session.Output{Kind: session.OutputClosed, TerminalID: ch.TerminalID})
		}
	}
	c.registry.Remove(s.ID)
	s.CloseSubscribers()

	c.auditor.Log(audit.AuditEntry{
		SessionTag: s.Tag,
		Username:   s.Username,
		EventType:  event,
		Details:    details,
		DurationMs: time.Since(start).Milliseconds(),
	})
	log.Printf("[terminal] %s: session destroyed in %s", s.Tag, time.Since(start).Round(time.Millisecond))
	return err
}

// Invalidate drops a session whose connection is unusable. Terminals are
// reported closed and subscribers are told to re-authenticate. Remote tmux
// sessions are left as they are.
func (c *Coordinator) Invalidate(s *session.Session, cause error) {
	unlock := s.Exclusive()
	defer unlock()
	c.invalidateLocked(s, cause)
}

func (c *Coordinator) invalidateLocked(s *session.Session, cause error) {
	if !s.MarkClosing() {
		return
	}
	log.Printf("[terminal] %s: session invalid: %v", s.Tag, cause)

	// Claim the channels before closing the connection so the pumps do not
	// report them closed a second time.
	channels := s.TakeTerminals()
	marked := make(map[*session.Channel]bool, len(channels))
	for _, ch := range channels {
		marked[ch] = ch.Finish(session.StateEnded)
	}
	s.Close()

	for _, ch := range channels {
		ch.Stream.Close()
		if marked[ch] {
			s.Publish(session.Output{Kind: session.OutputClosed, TerminalID: ch.TerminalID})
		}
	}
	s.Publish(session.Output{Kind: session.OutputInvalid, Message: "session invalid, please re-authenticate"})
	c.registry.Remove(s.ID)
	s.CloseSubscribers()

	c.auditor.Log(audit.AuditEntry{
		SessionTag: s.Tag,
		Username:   s.Username,
		EventType:  audit.EventSessionInvalid,
		Details:    cause.Error(),
	})
}

// ExpireIdle drops sessions that have had no subscribers and no activity for
// longer than the idle timeout. Their terminals are detached, not destroyed.
func (c *Coordinator) ExpireIdle(now time.Time) int {
	if c.opts.IdleTimeout <= 0 {
		return 0
	}
	expired := 0
	for _, s := range c.registry.List() {
		if s.SubscriberCount() > 0 || now.Sub(s.LastActivity()) < c.opts.IdleTimeout {
			continue
		}
		if c.expire(s, now) {
			expired++
		}
	}
	if expired > 0 {
		log.Printf("[terminal] expired %d idle session(s)", expired)
	}
	return expired
}

func (c *Coordinator) expire(s *session.Session, now time.Time) bool {
	unlock := s.Exclusive()
	defer unlock()
	if s.SubscriberCount() > 0 || now.Sub(s.LastActivity()) < c.opts.IdleTimeout {
		return false
	}
	if !s.MarkClosing() {
		return false
	}
	c.detachAllLocked(s)
	s.Close()
	c.registry.Remove(s.ID)
	s.CloseSubscribers()

	c.auditor.Log(audit.AuditEntry{
		SessionTag: s.Tag,
		Username:   s.Username,
		EventType:  audit.EventSessionExpired,
		Details:    "idle since " + s.LastActivity().UTC().Format(time.RFC3339),
	})
	return true
}

// Shutdown detaches every terminal and closes every connection. tmux
// sessions survive a restart of the service.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, s := range c.registry.List() {
		unlock := s.Exclusive()
		if s.MarkClosing() {
			c.detachAllLocked(s)
			s.Close()
			c.registry.Remove(s.ID)
			s.CloseSubscribers()
		}
		unlock()
	}

	done := make(chan struct{})
	go func() {
		c.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[terminal] shutdown: stream pumps still running: %v", ctx.Err())
	}
}

type Stats struct {
	Sessions       int   `json:"sessions"`
	Terminals      int   `json:"terminals"`
	Subscribers    int   `json:"subscribers"`
	ResizeFailures int64 `json:"resize_failures"`
}

func (c *Coordinator) Stats() Stats {
	st := Stats{ResizeFailures: c.mux.ResizeFailures()}
	for _, s := range c.registry.List() {
		st.Sessions++
		st.Terminals += s.TerminalCount()
		st.Subscribers += s.SubscriberCount()
	}
	return st
}
