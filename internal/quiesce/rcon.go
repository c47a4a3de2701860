// Package quiesce pauses world saving on a running game server over RCON so
// an archive captures a consistent set of files.
package quiesce

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/gorcon/rcon"
	"github.com/rs/zerolog/log"
)

// ErrRCONDisabled is returned when the instance does not expose RCON.
var ErrRCONDisabled = errors.New("rcon is not enabled for this instance")

const defaultRCONPort = "25575"

// Session is an authenticated RCON connection.
type Session interface {
	Execute(command string) (string, error)
	Close() error
}

// Dialer opens an RCON session.
type Dialer func(ctx context.Context, addr, password string) (Session, error)

// RCON quiesces instances whose server.properties enables RCON.
type RCON struct {
	host    string
	timeout time.Duration
	dial    Dialer
}

// New creates an RCON quiescer that connects to host with the given timeout.
func New(host string, timeout time.Duration) *RCON {
	return &RCON{host: host, timeout: timeout, dial: dialRCON(timeout)}
}

// NewWithDialer creates an RCON quiescer using a custom dialer.
func NewWithDialer(host string, timeout time.Duration, dial Dialer) *RCON {
	return &RCON{host: host, timeout: timeout, dial: dial}
}

func dialRCON(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr, password string) (Session, error) {
		wait := timeout
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d < wait {
				wait = d
			}
		}
		conn, err := rcon.Dial(addr, password, rcon.SetDialTimeout(wait), rcon.SetDeadline(timeout))
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Quiesce turns off autosave and flushes the world to disk. The returned
// resume func turns autosave back on and closes the connection.
func (r *RCON) Quiesce(ctx context.Context, instanceID, dir string) (func(), error) {
	props, err := ReadProperties(filepath.Join(dir, "server.properties"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRCONDisabled, err)
	}
	password := props.Get("rcon.password", "")
	if props.Get("enable-rcon", "false") != "true" || password == "" {
		return nil, ErrRCONDisabled
	}
	addr := net.JoinHostPort(r.host, props.Get("rcon.port", defaultRCONPort))

	var sess Session
	for attempt := 1; ; attempt++ {
		sess, err = r.dial(ctx, addr, password)
		if err == nil {
			break
		}
		if attempt == 3 {
			return nil, fmt.Errorf("could not connect via rcon after %d attempts: %w", attempt, err)
		}
		log.Warn().Err(err).Str("instance_id", instanceID).Int("attempt", attempt).Msg("RCON connection attempt failed, retrying...")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	for _, cmd := range []string{"save-off", "save-all flush"} {
		if _, err := sess.Execute(cmd); err != nil {
			resume(instanceID, sess)
			return nil, fmt.Errorf("rcon command %q failed: %w", cmd, err)
		}
	}
	log.Info().Str("instance_id", instanceID).Msg("World saving paused for backup")

	return func() { resume(instanceID, sess) }, nil
}

func resume(instanceID string, sess Session) {
	if _, err := sess.Execute("save-on"); err != nil {
		log.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to re-enable world saving")
	}
	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to close RCON connection")
	}
}
