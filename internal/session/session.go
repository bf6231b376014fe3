// Package session is the remote command-execution capability the dispatcher
// runs against. A Session is opened once, shared by every in-flight
// invocation, and closed once after the run has drained.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/groupfill/internal/config"
)

//go:generate mockgen -destination=mocks/mock_session.go -package=mocks github.com/mattjoyce/groupfill/internal/session Session,Opener

// ErrClosed is returned by operations on a session that has been closed.
var ErrClosed = errors.New("session is closed")

// Session executes named remote commands. Invoke must be safe for concurrent use.
type Session interface {
	Invoke(ctx context.Context, command string, params map[string]string) (*Result, error)
	Close() error
}

// Opener establishes a Session against an endpoint.
type Opener interface {
	Open(ctx context.Context, ep Endpoint) (Session, error)
}

// Result is what the remote side reported for one command.
// A remote execution error is Succeeded=false with Errors set, not a Go error.
type Result struct {
	Succeeded bool
	Errors    []string
	Output    string
	Stderr    string
}

// Endpoint identifies the remote execution context.
type Endpoint struct {
	URI        string
	SchemaURI  string
	Credential Credential
}

// Credential is the remote login.
type Credential struct {
	Username string
	Password string
}

// String never prints the password.
func (c Credential) String() string {
	return fmt.Sprintf("%s:***", c.Username)
}

// EndpointFromConfig builds an Endpoint from the session section.
func EndpointFromConfig(cfg config.SessionConfig) Endpoint {
	return Endpoint{
		URI:       cfg.EndpointURI,
		SchemaURI: cfg.SchemaURI,
		Credential: Credential{
			Username: cfg.Credential.Username,
			Password: cfg.Credential.Password,
		},
	}
}

type runIDKey struct{}

// WithRunID tags ctx so transports can forward the run id to the remote side.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run id set by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// ConnectionError reports a failure to open a session.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
