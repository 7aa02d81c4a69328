// Package sshauth validates browser logins by opening an SSH connection to
// the local host with the supplied credentials. The resulting connection is
// handed to the session registry.
package sshauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dirkpetersen/web-term/internal/logutil"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthenticationError means the credentials could not be turned into a
// connection. Reason is safe to show to the user.
type AuthenticationError struct {
	Username string
	Reason   string
	Err      error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed for %s: %s", e.Username, e.Reason)
	}
	return fmt.Sprintf("authentication failed for %s: %s: %v", e.Username, e.Reason, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

const (
	ReasonInvalidCredentials = "invalid username or password"
	ReasonUnreachable        = "cannot reach ssh server"
	ReasonHostKey            = "host key verification failed"
	ReasonHandshake          = "ssh handshake failed"
	ReasonInvalidUsername    = "invalid username"
)

const maxUsernameLength = 64

type Config struct {
	Host string
	Port int
	// KnownHostsFile pins the server host key. Empty accepts any key.
	KnownHostsFile string
	Timeout        time.Duration
}

type Validator struct {
	addr            string
	timeout         time.Duration
	hostKeyCallback ssh.HostKeyCallback
	limiter         *RateLimiter
}

func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	callback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		callback = cb
	} else {
		log.Printf("[auth] WARNING: no known_hosts file configured, host key of %s is not verified", cfg.Host)
	}
	return &Validator{
		addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		timeout:         cfg.Timeout,
		hostKeyCallback: callback,
		limiter:         NewRateLimiter(),
	}, nil
}

// Limiter exposes the login rate limiter for periodic pruning.
func (v *Validator) Limiter() *RateLimiter { return v.limiter }

func validUsername(u string) bool {
	if u == "" || len(u) > maxUsernameLength {
		return false
	}
	for _, r := range u {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// Authenticate dials the SSH server as username, offering password and
// keyboard-interactive authentication with password. It returns
// *ErrRateLimited without dialing when the user is blocked, and
// *AuthenticationError for any other failure.
func (v *Validator) Authenticate(ctx context.Context, username, password string) (*ssh.Client, error) {
	if !validUsername(username) {
		return nil, &AuthenticationError{Username: logutil.SanitizeForLog(username), Reason: ReasonInvalidUsername}
	}
	if err := v.limiter.Allow(username); err != nil {
		return nil, err
	}

	client, err := v.dial(ctx, username, password)
	if err != nil {
		v.limiter.RecordFailure(username)
		aerr := classify(username, err)
		log.Printf("[auth] login failed for %s: %s: %v", logutil.SanitizeForLog(username), aerr.Reason, err)
		return nil, aerr
	}
	v.limiter.RecordSuccess(username)
	log.Printf("[auth] %s authenticated against %s", logutil.SanitizeForLog(username), v.addr)
	return client, nil
}

func (v *Validator) dial(ctx context.Context, username, password string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: v.hostKeyCallback,
		Timeout:         v.timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", v.addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, v.addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func classify(username string, err error) *AuthenticationError {
	aerr := &AuthenticationError{Username: logutil.SanitizeForLog(username), Err: err}

	var keyErr *knownhosts.KeyError
	var opErr *net.OpError
	switch {
	case errors.As(err, &keyErr), strings.Contains(err.Error(), "knownhosts:"):
		aerr.Reason = ReasonHostKey
	case strings.Contains(err.Error(), "unable to authenticate"):
		aerr.Reason = ReasonInvalidCredentials
	case errors.As(err, &opErr), errors.Is(err, context.DeadlineExceeded):
		aerr.Reason = ReasonUnreachable
	default:
		aerr.Reason = ReasonHandshake
	}
	return aerr
}
