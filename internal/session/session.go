package session

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrClosed is returned by operations on a session that has been closed.
var ErrClosed = errors.New("session closed")

// Session is one authenticated login: one SSH connection, an optional SFTP
// handle opened on first use, and the terminal channels bound to it.
type Session struct {
	// ID is the unguessable session token carried by the browser cookie.
	ID string
	// Tag is a short random identifier safe to show in logs and remote names.
	Tag       string
	Username  string
	CreatedAt time.Time

	client        *ssh.Client
	stopKeepalive func()

	// lifecycle serializes create, close-one and destroy on this session.
	lifecycle sync.Mutex
	closing   atomic.Bool

	connMu    sync.Mutex
	files     *sftp.Client
	connDone  bool
	closeOnce sync.Once

	termMu    sync.RWMutex
	terminals map[string]*Channel

	hubMu       sync.Mutex
	hubClosed   bool
	subscribers map[*Subscriber]struct{}

	lastActivity atomic.Int64
}

func newSession(id, tag, username string, client *ssh.Client) *Session {
	s := &Session{
		ID:          id,
		Tag:         tag,
		Username:    username,
		CreatedAt:   time.Now(),
		client:      client,
		terminals:   make(map[string]*Channel),
		subscribers: make(map[*Subscriber]struct{}),
	}
	s.Touch()
	return s
}

// Client returns the session's SSH connection.
func (s *Session) Client() *ssh.Client { return s.client }

// FileTransfer returns the session's SFTP client, opening it over the
// session's connection on first call and reusing it afterwards.
func (s *Session) FileTransfer() (*sftp.Client, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connDone {
		return nil, ErrClosed
	}
	if s.files != nil {
		return s.files, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	s.files = c
	log.Printf("[session] %s: sftp subsystem opened", s.Tag)
	return c, nil
}

// Close closes the SFTP handle and then the SSH connection. Safe to call
// more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.stopKeepalive != nil {
			s.stopKeepalive()
		}

		s.connMu.Lock()
		s.connDone = true
		files := s.files
		s.files = nil
		s.connMu.Unlock()

		if files != nil {
			if cerr := files.Close(); cerr != nil && !isClosedErr(cerr) {
				log.Printf("[session] %s: close sftp: %v", s.Tag, cerr)
			}
		}
		if s.client != nil {
			if cerr := s.client.Close(); cerr != nil && !isClosedErr(cerr) {
				err = fmt.Errorf("close ssh connection: %w", cerr)
			}
		}
	})
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// Exclusive takes the session lifecycle lock and returns its release func.
func (s *Session) Exclusive() (unlock func()) {
	s.lifecycle.Lock()
	return s.lifecycle.Unlock
}

// MarkClosing flags the session as being torn down. It reports false if
// another caller already did.
func (s *Session) MarkClosing() bool {
	return s.closing.CompareAndSwap(false, true)
}

// Closing reports whether the session is being or has been torn down.
func (s *Session) Closing() bool {
	return s.closing.Load()
}

// Terminal returns the channel bound to id.
func (s *Session) Terminal(id string) (*Channel, bool) {
	s.termMu.RLock()
	defer s.termMu.RUnlock()
	ch, ok := s.terminals[id]
	return ch, ok
}

// PutTerminal binds ch to its terminal id and returns the channel it replaced.
func (s *Session) PutTerminal(ch *Channel) *Channel {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	prev := s.terminals[ch.TerminalID]
	s.terminals[ch.TerminalID] = ch
	return prev
}

// RemoveTerminal unbinds id only if it is still bound to ch.
func (s *Session) RemoveTerminal(id string, ch *Channel) bool {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if cur, ok := s.terminals[id]; ok && cur == ch {
		delete(s.terminals, id)
		return true
	}
	return false
}

// TakeTerminals unbinds and returns every channel, ordered by terminal id.
func (s *Session) TakeTerminals() []*Channel {
	s.termMu.Lock()
	chans := make([]*Channel, 0, len(s.terminals))
	for id, ch := range s.terminals {
		chans = append(chans, ch)
		delete(s.terminals, id)
	}
	s.termMu.Unlock()
	sort.Slice(chans, func(i, j int) bool { return chans[i].TerminalID < chans[j].TerminalID })
	return chans
}

func (s *Session) TerminalIDs() []string {
	s.termMu.RLock()
	ids := make([]string, 0, len(s.terminals))
	for id := range s.terminals {
		ids = append(ids, id)
	}
	s.termMu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Session) TerminalCount() int {
	s.termMu.RLock()
	defer s.termMu.RUnlock()
	return len(s.terminals)
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}
