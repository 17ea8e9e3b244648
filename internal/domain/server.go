package domain

import (
	"strings"
	"time"
)

// ServerStatus reflects the last known reachability of a server.
type ServerStatus string

const (
	ServerOnline      ServerStatus = "online"
	ServerOffline     ServerStatus = "offline"
	ServerMaintenance ServerStatus = "maintenance"
	ServerUnknown     ServerStatus = "unknown"
)

// AuthMode selects the SSH backend used for a server.
type AuthMode string

const (
	AuthKey      AuthMode = "key"
	AuthPassword AuthMode = "password"
	AuthNone     AuthMode = "none"
)

// Server is a machine commands are executed on. Password and PrivateKey
// hold decrypted credentials; they are encrypted at rest.
type Server struct {
	ID            string
	Name          string
	Address       string
	Port          int
	Username      string
	Password      string
	PrivateKey    string
	Status        ServerStatus
	LastPingAt    *time.Time
	DockerVersion string
	DockerPresent bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuthMode derives the authentication mode from credential shape.
func (s Server) AuthMode() AuthMode {
	switch {
	case s.Password != "":
		return AuthPassword
	case strings.TrimSpace(s.PrivateKey) != "":
		return AuthKey
	default:
		return AuthNone
	}
}

// SSHPort returns the configured port or 22.
func (s Server) SSHPort() int {
	if s.Port <= 0 {
		return 22
	}
	return s.Port
}

// IsRoot reports whether the login user already has full privileges.
func (s Server) IsRoot() bool {
	return strings.EqualFold(strings.TrimSpace(s.Username), "root")
}
