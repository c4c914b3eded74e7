package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mirkobrombin/go-keepalive/v1/config"
)

var _ = Describe("Config", func() {
	var tempDir string

	write := func(content string) string {
		path := filepath.Join(tempDir, "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "keepalive-config-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		os.Unsetenv("KEEPALIVE_LOCK_BACKEND")
		os.Unsetenv("KEEPALIVE_QUEUE_TARGETS")
		os.Unsetenv("KEEPALIVE_SCHEDULER_INTERVAL")
	})

	Describe("LoadFile", func() {
		Context("with a valid config file", func() {
			var path string

			BeforeEach(func() {
				path = write(`
scheduler:
  interval: "10s"
  reschedule: "always"
lock:
  backend: "redis"
  key: "rc-keepalive"
queue:
  backend: "redis"
  targets:
    - "10.0.0.1:6100"
    - "10.0.0.2:6100"
redis:
  addr: "redis:6379"
bus:
  kind: "nats"
  nats_url: "nats://nats:4222"
logging:
  level: "debug"
`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.LoadFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Lock.Backend).To(Equal(config.LockRedis))
				Expect(cfg.Lock.Key).To(Equal("rc-keepalive"))
				Expect(cfg.Queue.Targets).To(ConsistOf("10.0.0.1:6100", "10.0.0.2:6100"))
				Expect(cfg.Bus.NATSURL).To(Equal("nats://nats:4222"))
			})

			It("should parse durations and levels", func() {
				cfg, err := config.LoadFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Interval()).To(Equal(10 * time.Second))
				Expect(cfg.Scheduler.Reschedule).To(Equal("always"))
				Expect(cfg.LogLevel()).To(Equal(slog.LevelDebug))
			})

			It("should keep defaults for omitted settings", func() {
				cfg, err := config.LoadFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.LockTTL()).To(Equal(2 * time.Minute))
				Expect(cfg.LockTimeout()).To(Equal(200 * time.Millisecond))
				Expect(cfg.ProbeTimeout()).To(Equal(3 * time.Second))
				Expect(cfg.Probe.Concurrency).To(Equal(8))
				Expect(cfg.HTTP.Address).To(Equal(":9108"))
				Expect(cfg.Lock.File).To(Equal("/var/run/keepalive.lock"))
				Expect(cfg.Lock.Dir).To(Equal("/var/run/keepalive"))
			})
		})

		Context("with environment variables", func() {
			It("should override the file", func() {
				path := write("lock:\n  backend: \"redis\"\n")
				os.Setenv("KEEPALIVE_LOCK_BACKEND", "file")
				os.Setenv("KEEPALIVE_QUEUE_TARGETS", "10.0.0.1:6100, 10.0.0.2:6100")
				os.Setenv("KEEPALIVE_SCHEDULER_INTERVAL", "45s")

				cfg, err := config.LoadFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Lock.Backend).To(Equal(config.LockFile))
				Expect(cfg.Queue.Targets).To(Equal([]string{"10.0.0.1:6100", "10.0.0.2:6100"}))
				Expect(cfg.Interval()).To(Equal(45 * time.Second))
			})
		})

		Context("with an explicit path that does not exist", func() {
			It("should fail", func() {
				_, err := config.LoadFile(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with invalid values", func() {
			DescribeTable("should reject the configuration",
				func(content string) {
					_, err := config.LoadFile(write(content))
					Expect(err).To(HaveOccurred())
				},
				Entry("zero interval", "scheduler:\n  interval: \"0s\"\n"),
				Entry("bad interval", "scheduler:\n  interval: \"soon\"\n"),
				Entry("unknown policy", "scheduler:\n  reschedule: \"sometimes\"\n"),
				Entry("unknown lock backend", "lock:\n  backend: \"zookeeper\"\n"),
				Entry("s3 without bucket", "lock:\n  backend: \"s3\"\n"),
				Entry("file backend without dir", "lock:\n  backend: \"file\"\n  dir: \"\"\n"),
				Entry("kafka without brokers", "bus:\n  kind: \"kafka\"\n"),
				Entry("nats without url", "bus:\n  kind: \"nats\"\n"),
				Entry("bad target", "queue:\n  targets:\n    - \"not an address\"\n"),
				Entry("bad log level", "logging:\n  level: \"verbose\"\n"),
				Entry("zero concurrency", "probe:\n  concurrency: 0\n"),
			)
		})
	})

	Describe("Validate", func() {
		It("should ignore redis settings when nothing uses redis", func() {
			path := write("redis:\n  addr: \"\"\n")
			cfg, err := config.LoadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Redis.Addr).To(BeEmpty())
		})

		It("should require a redis address for the redis queue", func() {
			path := write("queue:\n  backend: \"redis\"\nredis:\n  addr: \"\"\n")
			_, err := config.LoadFile(path)
			Expect(err).To(HaveOccurred())
		})
	})
})
