package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	kaerrors "github.com/mirkobrombin/go-keepalive/v1/errors"
	"github.com/mirkobrombin/go-keepalive/v1/metrics"
	"github.com/mirkobrombin/go-keepalive/v1/queue"
	"github.com/mirkobrombin/go-keepalive/v1/sweep"
)

// ErrRunning is returned by Run when the loop is already running and by
// Register once it started.
var ErrRunning = errors.New("keepalive: scheduler already running")

// ErrNotRegistered is returned by Run before Register.
var ErrNotRegistered = errors.New("keepalive: periodic task not registered")

// completionBuffer holds resolutions arriving while the loop is busy. At
// most one sweep is live per scheduler, so a small buffer never fills.
const completionBuffer = 4

// Scheduler drives the keepalive sweeps of one process.
type Scheduler struct {
	lock   Locker
	queue  queue.Queue
	prober Prober
	cfg    *sweep.Config

	clock    clock.Clock
	logger   *slog.Logger
	policy   ReschedulePolicy
	metrics  *metrics.Collectors
	tracer   trace.Tracer
	observer Observer
	newSweep SweepFactory

	completions chan sweep.Result
	triggers    chan struct{}
	done        chan struct{}
	registered  atomic.Bool
	running     atomic.Bool

	// owned by the loop goroutine
	timer clock.Timer
	live  *sweep.Sweep

	mu     sync.Mutex
	status Status
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the timer.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithReschedulePolicy selects which branches re-arm the timer.
func WithReschedulePolicy(p ReschedulePolicy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithMetrics records sweep metrics on c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithTracer wraps every sweep in a span of t.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithObserver reports every transition to o.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithSweepFactory replaces sweep.New.
func WithSweepFactory(f SweepFactory) Option {
	return func(s *Scheduler) { s.newSweep = f }
}

// New returns a scheduler sweeping q through p under lock every
// cfg.Interval.
func New(lock Locker, q queue.Queue, p Prober, cfg *sweep.Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		lock:        lock,
		queue:       q,
		prober:      p,
		cfg:         cfg,
		clock:       clock.RealClock{},
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/mirkobrombin/go-keepalive/v1/scheduler"),
		newSweep:    sweep.New,
		completions: make(chan sweep.Result, completionBuffer),
		triggers:    make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register arms the timer for the first sweep one interval from now. It
// must be called once, before Run.
func (s *Scheduler) Register() error {
	if s.cfg == nil || s.cfg.Interval <= 0 {
		return kaerrors.ErrInvalidInterval
	}
	if s.running.Load() {
		return ErrRunning
	}
	if !s.registered.CompareAndSwap(false, true) {
		return kaerrors.ErrAlreadyRegistered
	}
	s.logger.Debug("keepalive: periodic task registered", "interval", s.cfg.Interval)
	s.arm()
	return nil
}

// Run processes timer firings and completions until ctx is done. A sweep
// still in flight when Run returns keeps the lock until its probe resolves;
// the resolution is then dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.registered.Load() {
		return ErrNotRegistered
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(s.done)
	defer s.stop()

	for {
		var fire <-chan time.Time
		if s.timer != nil {
			fire = s.timer.C()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-fire:
			s.timer = nil
			s.fire(ctx)
		case res := <-s.completions:
			s.complete(res)
		case <-s.triggers:
			s.rearm()
		}
	}
}

// Trigger re-arms a timer left unarmed by a skipped, failed or rejected
// sweep. It never starts a sweep by itself and is a no-op while the timer
// is armed or a sweep is running.
func (s *Scheduler) Trigger() {
	select {
	case s.triggers <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) fire(ctx context.Context) {
	s.update(func(st *Status) {
		st.State = StateAttempting
		st.Fired++
	})

	if !s.lock.TryAcquire() {
		s.logger.Debug("keepalive: lock held by another process, sweep skipped")
		s.finish(OutcomeSkipped, false, "", nil)
		return
	}

	n, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.Warn("keepalive: reading target queue failed", "error", err)
		s.release()
		s.finish(OutcomeFailed, false, "", err)
		return
	}
	if n == 0 {
		s.logger.Debug("keepalive: empty target queue")
		s.release()
		s.finish(OutcomeEmpty, true, "", nil)
		return
	}

	now := s.clock.Now()
	token := sweep.NewToken(s.deliver)
	sw, err := s.newSweep(s.cfg, sweep.NewInternalTrigger(s.logger), token, now)
	if err != nil {
		s.logger.Error("keepalive: building sweep failed", "error", err)
		s.release()
		s.finish(OutcomeFailed, false, "", err)
		return
	}

	ctx, span := s.tracer.Start(ctx, "keepalive.sweep", trace.WithAttributes(
		attribute.String("keepalive.sweep_id", sw.ID),
		attribute.Int("keepalive.targets", n),
	))
	sw.Defer(func() { span.End() })

	if err := s.prober.Initiate(ctx, sw); err != nil {
		token.Abandon()
		span.SetStatus(codes.Error, err.Error())
		sw.Close()
		s.logger.Warn("keepalive: probe rejected sweep", "sweep", sw.ID, "error", err)
		s.release()
		s.finish(OutcomeRejected, false, sw.ID, err)
		return
	}

	s.live = sw
	s.metrics.Sweep(metrics.OutcomeStarted)
	s.logger.Debug("keepalive: sweep started", "sweep", sw.ID, "targets", n)
	s.update(func(st *Status) {
		st.State = StateRunning
		st.Last = OutcomeStarted
		st.LiveSweep = sw.ID
		st.Started++
	})
	s.notify(OutcomeStarted, sw.ID, nil)
}

// complete is the completion handler: it closes the sweep, releases the
// lock and arms the next firing one interval after now.
func (s *Scheduler) complete(res sweep.Result) {
	sw := res.Sweep
	if sw == nil || sw != s.live {
		s.logger.Warn("keepalive: ignoring completion of unknown sweep")
		return
	}
	s.live = nil
	sw.Close()
	s.lock.Release()
	s.metrics.Completed(res.Err != nil, s.clock.Since(sw.Started))
	if res.Err != nil {
		sw.Logger().Debug("keepalive: probe finished with error", "error", res.Err)
	} else {
		sw.Logger().Debug("keepalive: probe finished")
	}
	s.arm()
	s.update(func(st *Status) {
		st.State = StateIdle
		st.Last = OutcomeCompleted
		st.LiveSweep = ""
		st.Completed++
	})
	s.notify(OutcomeCompleted, sw.ID, res.Err)
}

// deliver hands a resolution to the loop. It runs on the prober's
// goroutine, or inside Initiate when the probe finishes synchronously.
func (s *Scheduler) deliver(res sweep.Result) {
	select {
	case s.completions <- res:
	case <-s.done:
	}
}

func (s *Scheduler) rearm() {
	if s.timer != nil || s.live != nil {
		return
	}
	s.logger.Info("keepalive: re-arming stalled timer")
	s.arm()
	s.update(func(st *Status) { st.Last = OutcomeRearmed })
	s.notify(OutcomeRearmed, "", nil)
}

func (s *Scheduler) finish(o Outcome, rearm bool, sweepID string, err error) {
	if rearm || s.policy == RescheduleAlways {
		s.arm()
	}
	s.metrics.Sweep(o.String())
	s.update(func(st *Status) {
		st.State = StateIdle
		st.Last = o
		switch o {
		case OutcomeSkipped:
			st.Skipped++
		case OutcomeEmpty:
			st.Empty++
		case OutcomeFailed:
			st.Failed++
		case OutcomeRejected:
			st.Rejected++
		}
	})
	s.notify(o, sweepID, err)
}

func (s *Scheduler) release() {
	s.lock.Release()
	s.metrics.Released()
}

func (s *Scheduler) arm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.NewTimer(s.cfg.Interval)
	next := s.clock.Now().Add(s.cfg.Interval)
	s.update(func(st *Status) {
		st.Armed = true
		st.NextFire = next
	})
}

func (s *Scheduler) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.update(func(st *Status) {
		st.State = StateStopped
		st.Armed = false
	})
}

func (s *Scheduler) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	if s.timer == nil {
		s.status.Armed = false
	}
	s.mu.Unlock()
}

func (s *Scheduler) notify(o Outcome, sweepID string, err error) {
	if s.observer == nil {
		return
	}
	st := s.Status()
	e := Event{
		Time:     s.clock.Now(),
		Outcome:  o.String(),
		SweepID:  sweepID,
		Armed:    st.Armed,
		NextFire: st.NextFire,
	}
	if err != nil {
		e.Err = err.Error()
	}
	s.observer.Observe(e)
}

// String describes the scheduler configuration for logs.
func (s *Scheduler) String() string {
	return fmt.Sprintf("keepalive scheduler (interval %s, reschedule %s)", s.cfg.Interval, s.policy)
}
