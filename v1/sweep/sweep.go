// Package sweep holds the state of one keepalive sweep: what to run, on
// whose behalf, and how to report completion. A Sweep owns its resources
// and releases all of them exactly once when closed.
package sweep

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	kaerrors "github.com/mirkobrombin/go-keepalive/v1/errors"
)

// Action identifies what a sweep asks the probe operation to do.
type Action int

const (
	ActionUnknown Action = iota
	// ActionKeepalive checks the liveness of the coordination servers.
	ActionKeepalive
)

func (a Action) String() string {
	switch a {
	case ActionKeepalive:
		return "keepalive"
	}
	return "unknown"
}

// ProtocolVersion is the probe protocol version requested by sweeps.
const ProtocolVersion = 1

// Config is the process-wide, read-mostly configuration a sweep points
// back to.
type Config struct {
	// Interval between the end of a sweep and the next timer firing.
	Interval time.Duration
}

// Caller is whatever triggered the probe. The probe operation only needs a
// logger and to know that no client connection is attached.
type Caller interface {
	Logger() *slog.Logger
	// Internal reports that no network peer is waiting on the result.
	Internal() bool
}

// InternalTrigger is the Caller used for timer-driven sweeps.
type InternalTrigger struct {
	log *slog.Logger
}

// NewInternalTrigger returns a caller logging to l.
func NewInternalTrigger(l *slog.Logger) *InternalTrigger {
	if l == nil {
		l = slog.Default()
	}
	return &InternalTrigger{log: l}
}

// Logger implements Caller.
func (t *InternalTrigger) Logger() *slog.Logger { return t.log }

// Internal implements Caller and always reports true.
func (t *InternalTrigger) Internal() bool { return true }

// Sweep is the scoped execution context of one probe run.
type Sweep struct {
	ID      string
	Action  Action
	Version int
	Config  *Config
	Caller  Caller
	Started time.Time

	token *Token

	mu      sync.Mutex
	cleanup []func()
	closed  bool
}

// New builds a keepalive sweep. The token is resolved by the probe
// operation when it is done.
func New(cfg *Config, caller Caller, token *Token, now time.Time) (*Sweep, error) {
	if cfg == nil || caller == nil || token == nil {
		return nil, fmt.Errorf("%w: missing config, caller or token", kaerrors.ErrAllocation)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kaerrors.ErrAllocation, err)
	}
	s := &Sweep{
		ID:      id.String(),
		Action:  ActionKeepalive,
		Version: ProtocolVersion,
		Config:  cfg,
		Caller:  caller,
		Started: now,
		token:   token,
	}
	token.bind(s)
	return s, nil
}

// Token returns the completion token of the sweep.
func (s *Sweep) Token() *Token { return s.token }

// Defer registers fn to run when the sweep is closed. Functions run in
// reverse registration order. Registering on a closed sweep runs fn at once.
func (s *Sweep) Defer(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanup = append(s.cleanup, fn)
	s.mu.Unlock()
}

// Close releases every resource owned by the sweep. Only the first call
// has an effect.
func (s *Sweep) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fns := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Closed reports whether Close ran.
func (s *Sweep) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Logger returns the caller's logger annotated with the sweep id.
func (s *Sweep) Logger() *slog.Logger {
	return s.Caller.Logger().With("sweep", s.ID, "action", s.Action.String())
}
