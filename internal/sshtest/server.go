// Package sshtest runs an in-process SSH server for tests. The server accepts
// password and keyboard-interactive logins, emulates the tmux commands the
// terminal multiplexer issues, and serves an in-memory SFTP subsystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const attachPrefix = "exec tmux -u new-session -A -s '"

// Server is a fake sshd with a fake tmux server behind it. The tmux state is
// shared by every connection, like a real tmux server on one host.
type Server struct {
	Addr string

	users    map[string]string
	config   *ssh.ServerConfig
	listener net.Listener
	files    sftp.Handlers

	mu           sync.Mutex
	sessions     map[string]*tmuxSession
	commands     []string
	created      map[string]int
	hangTeardown bool
	conns        []*ssh.ServerConn
}

type tmuxSession struct {
	name    string
	vars    map[string]string
	cols    uint32
	rows    uint32
	clients map[*tmuxClient]struct{}
}

type tmuxClient struct {
	ch   ssh.Channel
	once sync.Once
}

// end reports status to the client and closes its channel once.
func (c *tmuxClient) end(status uint32) {
	c.once.Do(func() {
		c.ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		c.ch.Close()
	})
}

// NewServer starts a server that accepts the given username/password pairs.
// It is stopped by t.Cleanup.
func NewServer(t testing.TB, users map[string]string) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &Server{
		users:    users,
		files:    sftp.InMemHandler(),
		sessions: make(map[string]*tmuxSession),
		created:  make(map[string]int),
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return s.check(conn.User(), string(password))
		},
		KeyboardInteractiveCallback: func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client(conn.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) != 1 {
				return nil, errors.New("expected one answer")
			}
			return s.check(conn.User(), answers[0])
		},
	}
	s.config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConnection(netConn)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-done
		s.mu.Lock()
		conns := s.conns
		s.conns = nil
		s.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return s
}

func (s *Server) check(user, password string) (*ssh.Permissions, error) {
	want, ok := s.users[user]
	if !ok || want != password {
		return nil, fmt.Errorf("password rejected for %s", user)
	}
	return &ssh.Permissions{}, nil
}

// HostPort splits Addr for callers that configure host and port separately.
func (s *Server) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(s.Addr)
	p, _ := strconv.Atoi(port)
	return host, p
}

// Dial opens a password-authenticated client connection closed by t.Cleanup.
func (s *Server) Dial(t testing.TB, user string) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", s.Addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(s.users[user])},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial SSH server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// SetHangTeardown makes kill pipelines do nothing and never print their
// completion token.
func (s *Server) SetHangTeardown(hang bool) {
	s.mu.Lock()
	s.hangTeardown = hang
	s.mu.Unlock()
}

// AddSession creates a detached tmux session, as if left by an earlier login.
func (s *Server) AddSession(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureSession(name)
}

// Sessions returns the sorted names of live tmux sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Created returns how many times a session with name has been created.
func (s *Server) Created(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created[name]
}

// Clients returns the number of clients attached to name.
func (s *Server) Clients(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.sessions[name]; ok {
		return len(ts.clients)
	}
	return 0
}

// Size returns the last window size reported for name.
func (s *Server) Size(name string) (cols, rows uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.sessions[name]; ok {
		return ts.cols, ts.rows
	}
	return 0, 0
}

// Commands returns every exec command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CountCommands returns how many exec commands contained substr.
func (s *Server) CountCommands(substr string) int {
	n := 0
	for _, c := range s.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// ensureSession must be called with s.mu held.
func (s *Server) ensureSession(name string) *tmuxSession {
	ts, ok := s.sessions[name]
	if !ok {
		ts = &tmuxSession{name: name, vars: map[string]string{}, clients: map[*tmuxClient]struct{}{}}
		s.sessions[name] = ts
		s.created[name]++
	}
	return ts
}

func (s *Server) handleConnection(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var ptyCols, ptyRows uint32
	var attached *tmuxSession

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				ptyCols, ptyRows = p.Cols, p.Rows
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			var p struct{ Cols, Rows, Width, Height uint32 }
			ok := ssh.Unmarshal(req.Payload, &p) == nil
			if ok && attached != nil {
				s.mu.Lock()
				attached.cols, attached.rows = p.Cols, p.Rows
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(ok, nil)
			}

		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, p.Command)
			s.mu.Unlock()

			// The session must exist before the client sees the exec succeed.
			var client *tmuxClient
			if strings.HasPrefix(p.Command, attachPrefix) {
				attached, client = s.attach(ch, p.Command, ptyCols, ptyRows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			if client != nil {
				go s.runShell(attached, client)
				continue
			}

			switch {
			case strings.Contains(p.Command, "grep -E "):
				go s.killPipeline(ch, p.Command)
			case strings.HasPrefix(p.Command, "tmux list-sessions"):
				go s.listSessions(ch)
			default:
				go (&tmuxClient{ch: ch}).end(127)
			}

		case "subsystem":
			var p struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				srv := sftp.NewRequestServer(ch, s.files)
				srv.Serve()
				srv.Close()
				ch.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) attach(ch ssh.Channel, command string, cols, rows uint32) (*tmuxSession, *tmuxClient) {
	name := strings.TrimSuffix(strings.TrimPrefix(command, attachPrefix), "'")
	client := &tmuxClient{ch: ch}

	s.mu.Lock()
	ts := s.ensureSession(name)
	ts.clients[client] = struct{}{}
	ts.cols, ts.rows = cols, rows
	s.mu.Unlock()
	return ts, client
}

// runShell emulates a shell inside the tmux session: "export K=V" and "K=V"
// set variables, "echo ..." expands $K and prints, "exit" ends the session,
// and C-b d detaches the client.
func (s *Server) runShell(ts *tmuxSession, client *tmuxClient) {
	defer s.detachClient(ts, client)

	var line []byte
	prefixPending := false
	buf := make([]byte, 4096)
	for {
		n, err := client.ch.Read(buf)
		for _, c := range buf[:n] {
			if prefixPending {
				prefixPending = false
				if c == 'd' {
					fmt.Fprintf(client.ch, "[detached (from session %s)]\r\n", ts.name)
					client.end(0)
					return
				}
				continue
			}
			switch c {
			case 0x02:
				prefixPending = true
			case '\r', '\n':
				if s.execLine(ts, client, string(line)) {
					return
				}
				line = line[:0]
			default:
				line = append(line, c)
			}
		}
		if err != nil {
			return
		}
	}
}

var assignment = regexp.MustCompile(`^(?:export\s+)?([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// execLine runs one shell line and reports whether the session ended.
func (s *Server) execLine(ts *tmuxSession, client *tmuxClient, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "exit":
		s.mu.Lock()
		if s.sessions[ts.name] == ts {
			delete(s.sessions, ts.name)
		}
		clients := make([]*tmuxClient, 0, len(ts.clients))
		for c := range ts.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()
		for _, c := range clients {
			fmt.Fprint(c.ch, "[exited]\r\n")
			c.end(0)
		}
		return true

	case assignment.MatchString(line):
		m := assignment.FindStringSubmatch(line)
		s.mu.Lock()
		ts.vars[m[1]] = m[2]
		s.mu.Unlock()

	case line == "echo" || strings.HasPrefix(line, "echo "):
		words := strings.Fields(strings.TrimPrefix(line, "echo"))
		s.mu.Lock()
		for i, w := range words {
			if strings.HasPrefix(w, "$") {
				words[i] = ts.vars[w[1:]]
			}
		}
		s.mu.Unlock()
		fmt.Fprintf(client.ch, "%s\r\n", strings.Join(words, " "))
	}
	return false
}

func (s *Server) detachClient(ts *tmuxSession, client *tmuxClient) {
	s.mu.Lock()
	delete(ts.clients, client)
	s.mu.Unlock()
	client.end(0)
}

func (s *Server) listSessions(ch ssh.Channel) {
	client := &tmuxClient{ch: ch}
	names := s.Sessions()
	if len(names) == 0 {
		// tmux exits 1 with "no server running" when nothing exists.
		client.end(1)
		return
	}
	for _, name := range names {
		fmt.Fprintf(ch, "%s\n", name)
	}
	client.end(0)
}

var (
	grepPattern = regexp.MustCompile(`grep -E '([^']*)'`)
	echoToken   = regexp.MustCompile(`echo '([^']*)'\s*$`)
)

func (s *Server) killPipeline(ch ssh.Channel, command string) {
	client := &tmuxClient{ch: ch}

	s.mu.Lock()
	hang := s.hangTeardown
	s.mu.Unlock()
	if hang {
		// Hold the channel open until the caller gives up and closes it.
		buf := make([]byte, 256)
		for {
			if _, err := ch.Read(buf); err != nil {
				return
			}
		}
	}

	pm := grepPattern.FindStringSubmatch(command)
	em := echoToken.FindStringSubmatch(command)
	if pm == nil || em == nil {
		client.end(2)
		return
	}
	re, err := regexp.Compile(pm[1])
	if err != nil {
		client.end(2)
		return
	}

	var killed []*tmuxClient
	s.mu.Lock()
	for name, ts := range s.sessions {
		if !re.MatchString(name) {
			continue
		}
		delete(s.sessions, name)
		for c := range ts.clients {
			killed = append(killed, c)
		}
	}
	s.mu.Unlock()

	for _, c := range killed {
		fmt.Fprint(c.ch, "[exited]\r\n")
		c.end(0)
	}

	fmt.Fprintf(ch, "%s\n", em[1])
	client.end(0)
}
