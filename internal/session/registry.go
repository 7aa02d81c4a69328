// Package session holds the in-memory table of authenticated logins and the
// per-login state: SSH connection, lazy SFTP handle, terminal channels and
// output subscribers.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dirkpetersen/web-term/internal/logutil"
	"golang.org/x/crypto/ssh"
)

// Registry maps session tokens to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	keepaliveInterval time.Duration
	onLost            func(*Session)
}

// NewRegistry returns an empty registry. A positive keepaliveInterval makes
// every session probe its connection at that interval.
func NewRegistry(keepaliveInterval time.Duration) *Registry {
	return &Registry{
		sessions:          make(map[string]*Session),
		keepaliveInterval: keepaliveInterval,
	}
}

// OnConnectionLost sets the handler run when a session's keepalive fails.
func (r *Registry) OnConnectionLost(fn func(*Session)) {
	r.mu.Lock()
	r.onLost = fn
	r.mu.Unlock()
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Create registers a new session that takes ownership of client.
func (r *Registry) Create(username string, client *ssh.Client) (*Session, error) {
	id, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	tag, err := randomHex(4)
	if err != nil {
		return nil, fmt.Errorf("generate session tag: %w", err)
	}

	s := newSession(id, tag, username, client)
	if r.keepaliveInterval > 0 && client != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopKeepalive = cancel
		go r.keepalive(ctx, s)
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	log.Printf("[session] created %s for %s", tag, logutil.SanitizeForLog(username))
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session from the table. It does not close it.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns a snapshot of all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// keepalive sends periodic keepalive@openssh.com requests. The first failure
// closes the connection and hands the session to the connection-lost handler.
func (r *Registry) keepalive(ctx context.Context, s *Session) {
	ticker := time.NewTicker(r.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[session] %s: keepalive failed: %v", s.Tag, err)
			s.client.Close()

			r.mu.RLock()
			onLost := r.onLost
			r.mu.RUnlock()
			if onLost != nil {
				onLost(s)
			}
			return
		}
	}
}
