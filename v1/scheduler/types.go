package scheduler

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-keepalive/v1/sweep"
)

// Prober starts the keepalive probe of a sweep. A nil error means the probe
// took ownership and will resolve s.Token() exactly once, whatever its
// result. A non-nil error means it rejected the sweep synchronously and will
// never resolve the token.
type Prober interface {
	Initiate(ctx context.Context, s *sweep.Sweep) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, s *sweep.Sweep) error

// Initiate implements Prober.
func (f ProberFunc) Initiate(ctx context.Context, s *sweep.Sweep) error { return f(ctx, s) }

// Locker is the cross-process mutex serializing sweeps.
type Locker interface {
	TryAcquire() bool
	Release()
}

// SweepFactory builds the scoped context of a sweep.
type SweepFactory func(cfg *sweep.Config, caller sweep.Caller, token *sweep.Token, now time.Time) (*sweep.Sweep, error)

// ReschedulePolicy decides which terminal branches re-arm the timer.
type ReschedulePolicy int

const (
	// RescheduleDocumented re-arms only after an empty queue and after a
	// completed probe. A skipped sweep, a failed allocation or a rejected
	// probe leave the timer unarmed until Trigger is called.
	RescheduleDocumented ReschedulePolicy = iota
	// RescheduleAlways re-arms after every terminal branch.
	RescheduleAlways
)

// String returns the configuration name of the policy.
func (p ReschedulePolicy) String() string {
	if p == RescheduleAlways {
		return "always"
	}
	return "documented"
}

// State is the lifecycle state of the scheduler.
type State int

const (
	// StateIdle waits for the next firing or Trigger.
	StateIdle State = iota
	// StateAttempting is a firing between lock attempt and probe start.
	StateAttempting
	// StateRunning has a live sweep awaiting its completion.
	StateRunning
	// StateStopped is entered once Run returned.
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Outcome is how a timer firing or a completion ended.
type Outcome int

const (
	// OutcomeNone means nothing happened yet.
	OutcomeNone Outcome = iota
	// OutcomeSkipped means the lock was held elsewhere.
	OutcomeSkipped
	// OutcomeEmpty means the lock was taken but the queue was empty.
	OutcomeEmpty
	// OutcomeStarted means the probe accepted the sweep.
	OutcomeStarted
	// OutcomeFailed means building the sweep or reading the queue failed.
	OutcomeFailed
	// OutcomeRejected means the probe refused the sweep synchronously.
	OutcomeRejected
	// OutcomeCompleted means the probe resolved the sweep.
	OutcomeCompleted
	// OutcomeRearmed means an external trigger re-armed a stalled timer.
	OutcomeRearmed
)

// String returns the lowercase outcome name used in metrics and events.
func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeEmpty:
		return "empty"
	case OutcomeStarted:
		return "started"
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCompleted:
		return "completed"
	case OutcomeRearmed:
		return "rearmed"
	}
	return "none"
}

// Event describes one scheduler transition.
type Event struct {
	Time    time.Time `json:"time"`
	Outcome string    `json:"outcome"`
	SweepID string    `json:"sweep_id,omitempty"`
	// Armed and NextFire describe the timer after the transition.
	Armed    bool      `json:"armed"`
	NextFire time.Time `json:"next_fire,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// Observer receives every scheduler Event. It is called on the scheduler
// goroutine and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// Status is a snapshot of the scheduler.
type Status struct {
	State     State
	Last      Outcome
	Armed     bool
	NextFire  time.Time
	LiveSweep string

	Fired     uint64
	Skipped   uint64
	Empty     uint64
	Started   uint64
	Failed    uint64
	Rejected  uint64
	Completed uint64
}
