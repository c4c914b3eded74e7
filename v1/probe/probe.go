// Package probe is a keepalive prober that checks every queued
// coordination server with a TCP dial. Dials of one sweep run concurrently
// and the sweep token is resolved once all of them finished.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	kaerrors "github.com/mirkobrombin/go-keepalive/v1/errors"
	"github.com/mirkobrombin/go-keepalive/v1/queue"
	"github.com/mirkobrombin/go-keepalive/v1/sweep"
)

const (
	// DefaultTimeout bounds one dial.
	DefaultTimeout = 3 * time.Second
	// DefaultConcurrency caps the dials in flight for one sweep.
	DefaultConcurrency = 8
)

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Health is the last known state of one server.
type Health struct {
	Addr      string    `json:"addr"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	// Failures counts consecutive failed checks.
	Failures int    `json:"failures"`
	Err      string `json:"error,omitempty"`
}

// TCP probes servers by opening and closing a TCP connection.
type TCP struct {
	list        queue.Lister
	dial        DialFunc
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
	now         func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	health map[string]Health
}

// Option configures a TCP prober.
type Option func(*TCP)

// WithDialer replaces the network dialer.
func WithDialer(d DialFunc) Option {
	return func(p *TCP) { p.dial = d }
}

// WithTimeout bounds every dial.
func WithTimeout(d time.Duration) Option {
	return func(p *TCP) { p.timeout = d }
}

// WithConcurrency caps the dials in flight for one sweep.
func WithConcurrency(n int) Option {
	return func(p *TCP) { p.concurrency = n }
}

// WithLogger sets the logger used outside of a sweep.
func WithLogger(l *slog.Logger) Option {
	return func(p *TCP) { p.logger = l }
}

// NewTCP returns a prober checking the servers listed by list.
func NewTCP(list queue.Lister, opts ...Option) *TCP {
	var d net.Dialer
	p := &TCP{
		list:        list,
		dial:        d.DialContext,
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		now:         time.Now,
		health:      make(map[string]Health),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initiate implements scheduler.Prober. The servers are read synchronously
// and checked in the background; s.Token() is resolved with the joined
// dial errors.
func (p *TCP) Initiate(ctx context.Context, s *sweep.Sweep) error {
	if s.Action != sweep.ActionKeepalive {
		return fmt.Errorf("%w: unsupported action %s", kaerrors.ErrRejected, s.Action)
	}
	servers, err := p.list.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing servers: %v", kaerrors.ErrRejected, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: prober closed", kaerrors.ErrRejected)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	// the sweep outlives the firing that started it
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		s.Token().Resolve(p.check(ctx, s, servers))
	}()
	return nil
}

func (p *TCP) check(ctx context.Context, s *sweep.Sweep, servers []queue.Server) error {
	log := s.Logger()
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for _, srv := range servers {
		g.Go(func() error {
			if err := p.checkOne(gctx, srv.Addr); err != nil {
				log.Warn("keepalive: server unreachable", "addr", srv.Addr, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", srv.Addr, err))
				mu.Unlock()
			}
			// one dead server must not cancel the others
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *TCP) checkOne(ctx context.Context, addr string) error {
	ctx, span := otel.Tracer("github.com/mirkobrombin/go-keepalive/v1/probe").Start(ctx, "keepalive.dial")
	span.SetAttributes(attribute.String("net.peer.addr", addr))
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(dctx, "tcp", addr)
	if err == nil {
		_ = conn.Close()
	} else {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", kaerrors.ErrTimeout, err)
		}
		span.SetStatus(codes.Error, err.Error())
	}
	p.record(addr, err)
	return err
}

func (p *TCP) record(addr string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.health[addr]
	h.Addr = addr
	h.LastCheck = p.now()
	h.Healthy = err == nil
	if err != nil {
		h.Failures++
		h.Err = err.Error()
	} else {
		h.Failures = 0
		h.Err = ""
	}
	p.health[addr] = h
}

// Health returns the last known state of every checked server, sorted by
// address.
func (p *TCP) Health() []Health {
	p.mu.Lock()
	out := make([]Health, 0, len(p.health))
	for _, h := range p.health {
		out = append(out, h)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Close rejects new sweeps and waits for the running one to resolve.
func (p *TCP) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
