package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Naming modes for remote tmux session names.
const (
	// NamingUser shares one set of tmux sessions between every login of a user.
	NamingUser = "user"
	// NamingLogin gives every login its own set of tmux sessions.
	NamingLogin = "login"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000" yaml:"listen_addr"`
	DataPath     string `envconfig:"DATA_PATH" default:"./data" yaml:"data_path"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"" yaml:"database_path"`
	LogPath      string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	StaticDir    string `envconfig:"STATIC_DIR" default:"" yaml:"static_dir"`

	// SSH target. The service authenticates users against the local sshd.
	SSHHost              string        `envconfig:"SSH_HOST" default:"127.0.0.1" yaml:"ssh_host"`
	SSHPort              int           `envconfig:"SSH_PORT" default:"22" yaml:"ssh_port"`
	SSHKnownHosts        string        `envconfig:"SSH_KNOWN_HOSTS" default:"" yaml:"ssh_known_hosts"`
	SSHConnectTimeout    time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s" yaml:"ssh_connect_timeout"`
	SSHKeepaliveInterval time.Duration `envconfig:"SSH_KEEPALIVE_INTERVAL" default:"30s" yaml:"ssh_keepalive_interval"`

	// Terminal multiplexing
	TmuxPrefix         string        `envconfig:"TMUX_PREFIX" default:"webterm" yaml:"tmux_prefix"`
	TmuxNaming         string        `envconfig:"TMUX_NAMING" default:"user" yaml:"tmux_naming"`
	DetachGrace        time.Duration `envconfig:"DETACH_GRACE" default:"250ms" yaml:"detach_grace"`
	TeardownTimeout    time.Duration `envconfig:"TEARDOWN_TIMEOUT" default:"5s" yaml:"teardown_timeout"`
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m" yaml:"session_idle_timeout"`

	AuditRetentionDays int      `envconfig:"AUDIT_RETENTION_DAYS" default:"90" yaml:"audit_retention_days"`
	CookieSecure       bool     `envconfig:"COOKIE_SECURE" default:"false" yaml:"cookie_secure"`
	AllowedOrigins     []string `envconfig:"ALLOWED_ORIGINS" default:"localhost:*,127.0.0.1:*" yaml:"allowed_origins"`
}

var Cfg Settings

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Load populates Cfg from the environment and the optional YAML file named by
// WEBTERM_CONFIG_FILE. It exits the process on invalid configuration.
func Load() {
	s, err := Parse(os.Getenv("WEBTERM_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Parse reads WEBTERM_* environment variables, then overlays the YAML file at
// path when path is non-empty. Keys present in the file win over the
// environment.
func Parse(path string) (Settings, error) {
	var s Settings
	if err := envconfig.Process("WEBTERM", &s); err != nil {
		return Settings{}, fmt.Errorf("process env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "webterm.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "webterm.log")
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if !prefixPattern.MatchString(s.TmuxPrefix) {
		return fmt.Errorf("tmux prefix %q must match %s", s.TmuxPrefix, prefixPattern)
	}
	if s.TmuxNaming != NamingUser && s.TmuxNaming != NamingLogin {
		return fmt.Errorf("tmux naming %q must be %q or %q", s.TmuxNaming, NamingUser, NamingLogin)
	}
	if s.SSHPort <= 0 || s.SSHPort > 65535 {
		return fmt.Errorf("ssh port %d out of range", s.SSHPort)
	}
	if s.TeardownTimeout <= 0 {
		return fmt.Errorf("teardown timeout must be positive, got %s", s.TeardownTimeout)
	}
	if s.SSHConnectTimeout <= 0 {
		return fmt.Errorf("ssh connect timeout must be positive, got %s", s.SSHConnectTimeout)
	}
	if s.DetachGrace < 0 {
		return fmt.Errorf("detach grace must not be negative, got %s", s.DetachGrace)
	}
	return nil
}
