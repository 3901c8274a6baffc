package engine

import (
	"fmt"

	"github.com/openfroyo/driftwatch/pkg/stores"
	"github.com/openfroyo/driftwatch/pkg/transports/ssh"
)

// Target is a server resolved for one remote interaction.
type Target struct {
	ServerID string `json:"server_id"`
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	User     string `json:"user,omitempty"`
}

// TargetFromServer builds a Target from a stored server.
func TargetFromServer(server *stores.Server) Target {
	return Target{
		ServerID: server.ID,
		Hostname: server.Hostname,
		Address:  server.Address,
		Port:     server.Port,
		User:     server.User,
	}
}

// Host returns the transport address of the target.
func (t Target) Host() ssh.Host {
	name := t.Hostname
	if name == "" {
		name = t.ServerID
	}
	return ssh.Host{
		Name:    name,
		Address: t.Address,
		Port:    t.Port,
		User:    t.User,
	}
}

// String returns the hostname, falling back to the server ID.
func (t Target) String() string {
	if t.Hostname != "" {
		return t.Hostname
	}
	return t.ServerID
}

// Validate checks that the target can be dialed.
func (t Target) Validate() error {
	if t.ServerID == "" {
		return NewValidationError("target server id is required", nil)
	}
	if t.Address == "" {
		return NewValidationError("target address is required", nil).WithResource(t.ServerID)
	}
	if t.Port < 0 || t.Port > 65535 {
		return NewValidationError(fmt.Sprintf("invalid port %d", t.Port), nil).WithResource(t.ServerID)
	}
	return nil
}

// TransportUnavailable classifies a transport failure against target.
// Authentication and timeout failures get their own codes; everything else
// is reported as unreachable.
func TransportUnavailable(target Target, operation string, err error) *EngineError {
	code := ErrCodeServerUnreachable
	message := "server unreachable"
	switch {
	case ssh.IsAuthError(err):
		code = ErrCodeAuthFailed
		message = "authentication failed"
	case ssh.IsTimeout(err):
		code = ErrCodeTimeout
		message = "timed out"
	}

	return NewTransportUnavailable(message, err).
		WithCode(code).
		WithResource(target.ServerID).
		WithOperation(operation).
		WithDetail("host", target.String())
}
