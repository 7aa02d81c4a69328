package session

import (
	"sync"
	"time"

	"github.com/dirkpetersen/web-term/internal/tmux"
	"github.com/google/uuid"
)

// ChannelState tracks a terminal channel through its life.
//
//	attached -> detached   stream closed, remote session kept
//	attached -> destroyed  remote session killed by logout
//	attached -> ended      remote shell exited on its own
type ChannelState int

const (
	StateAttached ChannelState = iota
	StateDetached
	StateDestroyed
	StateEnded
)

func (s ChannelState) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateDestroyed:
		return "destroyed"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Channel binds one logical terminal id of a session to one tmux stream.
type Channel struct {
	TerminalID string
	RemoteName string
	// AttachID distinguishes successive attachments to the same remote name.
	AttachID  string
	Stream    *tmux.Stream
	CreatedAt time.Time

	mu    sync.Mutex
	cols  int
	rows  int
	state ChannelState
}

func NewChannel(terminalID, remoteName string, stream *tmux.Stream, cols, rows int) *Channel {
	return &Channel{
		TerminalID: terminalID,
		RemoteName: remoteName,
		AttachID:   uuid.NewString(),
		Stream:     stream,
		CreatedAt:  time.Now(),
		cols:       cols,
		rows:       rows,
		state:      StateAttached,
	}
}

func (c *Channel) Size() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

func (c *Channel) SetSize(cols, rows int) {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Finish moves an attached channel to state. It reports false if the channel
// had already left the attached state, so each channel finishes once.
func (c *Channel) Finish(state ChannelState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAttached {
		return false
	}
	c.state = state
	return true
}
