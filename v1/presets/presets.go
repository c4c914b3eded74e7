//go:build unix

// Package presets wires the keepalive building blocks into ready-to-run
// deployments: a single host sharing a memory-mapped lock, a Redis cluster,
// or whatever a config.Config describes.
package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keepalive/v1/config"
	"github.com/mirkobrombin/go-keepalive/v1/lock"
	"github.com/mirkobrombin/go-keepalive/v1/metrics"
	"github.com/mirkobrombin/go-keepalive/v1/mutex"
	"github.com/mirkobrombin/go-keepalive/v1/probe"
	"github.com/mirkobrombin/go-keepalive/v1/queue"
	"github.com/mirkobrombin/go-keepalive/v1/scheduler"
	"github.com/mirkobrombin/go-keepalive/v1/sweep"
	"github.com/mirkobrombin/go-keepalive/v1/syncbus"
	"github.com/mirkobrombin/go-keepalive/v1/watch"
)

const (
	// DefaultInterval separates two sweeps when nothing else is configured.
	DefaultInterval = 30 * time.Second
	// DefaultLockTTL bounds how long a crashed holder can keep the Redis
	// lock. A live holder renews it while the sweep runs.
	DefaultLockTTL = time.Minute
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Queue is what a preset needs from the target queue: the scheduler reads
// its length, the prober lists it and operators push targets into it.
type Queue interface {
	queue.Lister
	Push(ctx context.Context, servers ...queue.Server) error
}

// Keepalive is a fully wired keepalive sweep.
type Keepalive struct {
	Scheduler   *scheduler.Scheduler
	Coordinator *mutex.Coordinator
	Queue       Queue
	Prober      *probe.TCP
	Hub         *watch.Hub
	Events      watch.Bus
	// Bus carries lock events between processes; nil when disabled.
	Bus syncbus.Bus

	key     string
	logger  *slog.Logger
	closers []func() error
}

// Options tunes what every preset builds.
type Options struct {
	Interval   time.Duration
	Targets    []string
	Logger     *slog.Logger
	Metrics    *metrics.Collectors
	Scheduler  []scheduler.Option
	Probe      []probe.Option
	Coordinate []mutex.Option
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// NewLocal runs every process of one host on a memory-mapped lock backed
// by lockFile, with a process-local queue.
func NewLocal(lockFile string, opts Options) (*Keepalive, error) {
	k := &Keepalive{key: mutex.DefaultKey, logger: opts.logger()}
	k.Coordinator = mutex.New(append([]mutex.Option{mutex.WithLogger(k.logger)}, opts.Coordinate...)...)
	if err := k.Coordinator.Init(lockFile); err != nil {
		return nil, err
	}
	k.closers = append(k.closers, k.Coordinator.Close)
	k.Queue = queue.NewMemory()
	k.Events = watch.NewMemory()
	if err := k.finish(context.Background(), k.Coordinator, opts); err != nil {
		_ = k.Close()
		return nil, err
	}
	return k, nil
}

// NewRedisCluster shares the lock, the queue, the lock events and the
// scheduler events of every process through one Redis deployment.
func NewRedisCluster(ro RedisOptions, opts Options) (*Keepalive, error) {
	client := redis.NewClient(&redis.Options{Addr: ro.Addr, Password: ro.Password, DB: ro.DB})
	k := &Keepalive{key: mutex.DefaultKey, logger: opts.logger()}
	k.closers = append(k.closers, client.Close)

	k.Bus = syncbus.NewRedisBus(client)
	k.Coordinator = mutex.New(append([]mutex.Option{
		mutex.WithLocker(lock.NewRedis(client, k.Bus)),
		mutex.WithTTL(DefaultLockTTL),
		mutex.WithLogger(k.logger),
	}, opts.Coordinate...)...)
	if err := k.Coordinator.Init(""); err != nil {
		_ = k.Close()
		return nil, err
	}
	k.closers = append(k.closers, k.Coordinator.Close)
	k.Queue = queue.NewRedis(client, "")
	k.Events = watch.NewRedis(client)
	if err := k.finish(context.Background(), k.Coordinator, opts); err != nil {
		_ = k.Close()
		return nil, err
	}
	return k, nil
}

// FromConfig builds the deployment described by cfg.
func FromConfig(ctx context.Context, cfg *config.Config, opts Options) (*Keepalive, error) {
	k := &Keepalive{key: cfg.Lock.Key, logger: opts.logger()}
	if err := k.build(ctx, cfg, &opts); err != nil {
		_ = k.Close()
		return nil, err
	}
	return k, nil
}

func (k *Keepalive) build(ctx context.Context, cfg *config.Config, opts *Options) error {
	var client *redis.Client
	if cfg.Lock.Backend == config.LockRedis || cfg.Queue.Backend == config.QueueRedis || cfg.Bus.Kind == config.BusRedis {
		client = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		k.closers = append(k.closers, client.Close)
	}

	bus, err := k.newBus(cfg, client)
	if err != nil {
		return err
	}
	if bus != nil {
		k.Bus = syncbus.NewCircuitBreaker(bus, 5, cfg.LockTimeout()*10)
	}

	// backends that do not announce releases on the bus themselves
	announce := false
	coordOpts := []mutex.Option{
		mutex.WithKey(cfg.Lock.Key),
		mutex.WithTTL(cfg.LockTTL()),
		mutex.WithTimeout(cfg.LockTimeout()),
		mutex.WithSegmentName(cfg.Lock.Segment),
		mutex.WithLogger(k.logger),
	}
	switch cfg.Lock.Backend {
	case config.LockShared:
		announce = true
	case config.LockFile:
		if err := os.MkdirAll(cfg.Lock.Dir, 0o755); err != nil {
			return fmt.Errorf("keepalive: creating lock dir: %w", err)
		}
		coordOpts = append(coordOpts, mutex.WithLocker(lock.NewFile(cfg.Lock.Dir)))
		announce = true
	case config.LockMemory:
		coordOpts = append(coordOpts, mutex.WithLocker(lock.NewInMemory(k.Bus)))
	case config.LockRedis:
		coordOpts = append(coordOpts, mutex.WithLocker(lock.NewRedis(client, k.Bus)))
	case config.LockS3:
		l, err := newS3Locker(ctx, cfg.S3)
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, mutex.WithLocker(l))
		announce = true
	default:
		return fmt.Errorf("keepalive: unknown lock backend %q", cfg.Lock.Backend)
	}
	k.Coordinator = mutex.New(append(coordOpts, opts.Coordinate...)...)
	if err := k.Coordinator.Init(cfg.Lock.File); err != nil {
		return err
	}
	k.closers = append(k.closers, k.Coordinator.Close)

	switch cfg.Queue.Backend {
	case config.QueueRedis:
		k.Queue = queue.NewRedis(client, cfg.Queue.Key)
		k.Events = watch.NewRedis(client)
	default:
		k.Queue = queue.NewMemory()
		k.Events = watch.NewMemory()
	}

	var locker scheduler.Locker = k.Coordinator
	if announce && k.Bus != nil {
		locker = &announcingLocker{Locker: k.Coordinator, bus: k.Bus, topic: syncbus.UnlockTopic(k.key), logger: k.logger}
	}

	if opts.Interval == 0 {
		opts.Interval = cfg.Interval()
	}
	if len(opts.Targets) == 0 {
		opts.Targets = cfg.Queue.Targets
	}
	policy := scheduler.RescheduleDocumented
	if cfg.Scheduler.Reschedule == "always" {
		policy = scheduler.RescheduleAlways
	}
	opts.Scheduler = append([]scheduler.Option{scheduler.WithReschedulePolicy(policy)}, opts.Scheduler...)
	opts.Probe = append([]probe.Option{
		probe.WithTimeout(cfg.ProbeTimeout()),
		probe.WithConcurrency(cfg.Probe.Concurrency),
	}, opts.Probe...)
	return k.finish(ctx, locker, *opts)
}

func (k *Keepalive) newBus(cfg *config.Config, client *redis.Client) (syncbus.Bus, error) {
	switch cfg.Bus.Kind {
	case config.BusMemory:
		return syncbus.NewInMemoryBus(), nil
	case config.BusRedis:
		return syncbus.NewRedisBus(client), nil
	case config.BusNATS:
		conn, err := nats.Connect(cfg.Bus.NATSURL, nats.Name("keepalived"))
		if err != nil {
			return nil, fmt.Errorf("keepalive: connecting to nats: %w", err)
		}
		k.closers = append(k.closers, func() error { conn.Close(); return nil })
		return syncbus.NewNATSBus(conn), nil
	case config.BusKafka:
		sc := sarama.NewConfig()
		sc.ClientID = "keepalived"
		bus, err := syncbus.NewKafkaBus(cfg.Bus.Brokers, sc)
		if err != nil {
			return nil, fmt.Errorf("keepalive: connecting to kafka: %w", err)
		}
		k.closers = append(k.closers, func() error { bus.Close(); return nil })
		return bus, nil
	}
	return nil, nil
}

func newS3Locker(ctx context.Context, sc config.S3Config) (*lock.S3, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if sc.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(sc.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("keepalive: loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
			o.UsePathStyle = true
		}
	})
	return lock.NewS3(client, sc.Bucket, sc.Prefix), nil
}

// finish builds the parts every preset shares on top of the lock and queue.
func (k *Keepalive) finish(ctx context.Context, locker scheduler.Locker, opts Options) error {
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	for _, addr := range opts.Targets {
		if err := k.Queue.Push(ctx, queue.Server{Addr: addr, Added: time.Now()}); err != nil {
			return fmt.Errorf("keepalive: seeding queue: %w", err)
		}
	}

	k.Prober = probe.NewTCP(k.Queue, append([]probe.Option{probe.WithLogger(k.logger)}, opts.Probe...)...)
	k.closers = append(k.closers, k.Prober.Close)
	k.Hub = watch.NewHub(k.Events, "", k.logger)

	cfg := &sweep.Config{Interval: opts.Interval}
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(k.logger),
		scheduler.WithObserver(k.Hub),
	}
	if opts.Metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithMetrics(opts.Metrics))
	}
	k.Scheduler = scheduler.New(locker, k.Queue, k.Prober, cfg, append(schedOpts, opts.Scheduler...)...)
	return nil
}

// Run registers the periodic task and drives it until ctx is done.
func (k *Keepalive) Run(ctx context.Context) error {
	if err := k.Scheduler.Register(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		k.Hub.Run(ctx)
	}()
	if k.Bus != nil {
		if err := k.wakeOnUnlock(ctx, &wg); err != nil {
			k.logger.Warn("keepalive: lock events unavailable", "error", err)
		}
	}
	k.logger.Info("keepalive: running", "scheduler", k.Scheduler.String())
	return k.Scheduler.Run(ctx)
}

// wakeOnUnlock re-arms a scheduler left idle by a skipped sweep as soon as
// another process releases the lock.
func (k *Keepalive) wakeOnUnlock(ctx context.Context, wg *sync.WaitGroup) error {
	topic := syncbus.UnlockTopic(k.key)
	ch, err := k.Bus.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = k.Bus.Unsubscribe(context.Background(), topic, ch) }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				k.Scheduler.Trigger()
			}
		}
	}()
	return nil
}

// Close releases every resource in reverse creation order.
func (k *Keepalive) Close() error {
	var errs []error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	k.closers = nil
	return errors.Join(errs...)
}

// announcingLocker publishes an unlock event after every release for
// backends that cannot do it themselves.
type announcingLocker struct {
	scheduler.Locker
	bus    syncbus.Bus
	topic  string
	logger *slog.Logger
}

func (l *announcingLocker) Release() {
	l.Locker.Release()
	ctx, cancel := context.WithTimeout(context.Background(), mutex.DefaultTimeout)
	defer cancel()
	if err := l.bus.Publish(ctx, l.topic); err != nil {
		l.logger.Debug("keepalive: announcing unlock failed", "error", err)
	}
}
