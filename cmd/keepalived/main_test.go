//go:build unix

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testclock "k8s.io/utils/clock/testing"

	"github.com/mirkobrombin/go-keepalive/v1/metrics"
	"github.com/mirkobrombin/go-keepalive/v1/presets"
	"github.com/mirkobrombin/go-keepalive/v1/probe"
	"github.com/mirkobrombin/go-keepalive/v1/scheduler"
)

func TestMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Keepalived Suite")
}

func writeConfig(dir, content string) string {
	path := filepath.Join(dir, "config.yaml")
	Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	return path
}

var _ = Describe("commands", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	execute := func(args ...string) (string, error) {
		cmd := newRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	It("should print a valid configuration", func() {
		path := writeConfig(dir, "scheduler:\n  interval: \"15s\"\n")
		out, err := execute("check-config", "--config", path)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring(`"Interval": "15s"`))
	})

	It("should reject an invalid configuration", func() {
		path := writeConfig(dir, "scheduler:\n  interval: \"-1s\"\n")
		_, err := execute("check-config", "--config", path)
		Expect(err).To(HaveOccurred())
	})

	It("should push servers to the redis queue", func() {
		mr := miniredis.RunT(GinkgoT())
		path := writeConfig(dir, "queue:\n  backend: \"redis\"\nredis:\n  addr: \""+mr.Addr()+"\"\n")
		out, err := execute("push", "--config", path, "10.0.0.1:6100", "10.0.0.2:6100")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("queued 2 server(s)"))

		items, err := mr.List("keepalive:queue")
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(2))
	})

	It("should refuse to push to a process-local queue", func() {
		path := writeConfig(dir, "logging:\n  level: \"warn\"\n")
		_, err := execute("push", "--config", path, "10.0.0.1:6100")
		Expect(err).To(MatchError(ContainSubstring("redis queue")))
	})

	It("should refuse a malformed pid", func() {
		_, err := execute("force-unlock", "not-a-pid")
		Expect(err).To(MatchError(ContainSubstring("invalid pid")))
	})

	It("should report a lock that is not held by the given pid", func() {
		path := writeConfig(dir, "lock:\n  file: \""+filepath.Join(dir, "keepalive.lock")+"\"\n")
		_, err := execute("force-unlock", "--config", path, "4242")
		Expect(err).To(MatchError(ContainSubstring("not held by 4242")))
	})
})

var _ = Describe("http handler", func() {
	var (
		k   *presets.Keepalive
		fc  *testclock.FakeClock
		srv *httptest.Server
	)

	BeforeEach(func() {
		fc = testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		reg := metrics.NewRegistry()
		dial := func(context.Context, string, string) (net.Conn, error) {
			c1, c2 := net.Pipe()
			_ = c2.Close()
			return c1, nil
		}
		var err error
		k, err = presets.NewLocal(filepath.Join(GinkgoT().TempDir(), "keepalive.lock"), presets.Options{
			Targets:   []string{"10.0.0.1:6100"},
			Metrics:   metrics.New(reg),
			Scheduler: []scheduler.Option{scheduler.WithClock(fc)},
			Probe:     []probe.Option{probe.WithDialer(dial)},
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- k.Run(ctx) }()
		srv = httptest.NewServer(newHandler(k, reg))
		DeferCleanup(func() {
			srv.Close()
			cancel()
			Expect(<-done).To(Succeed())
			Expect(k.Close()).To(Succeed())
		})
		Eventually(func() bool { return k.Scheduler.Status().Armed }).Should(BeTrue())
	})

	status := func() statusResponse {
		resp, err := http.Get(srv.URL + "/status")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		var st statusResponse
		Expect(json.NewDecoder(resp.Body).Decode(&st)).To(Succeed())
		return st
	}

	It("should report the scheduler status and lock holder", func() {
		st := status()
		Expect(st.State).To(Equal("idle"))
		Expect(st.Armed).To(BeTrue())
		Expect(st.Holder).NotTo(BeNil())
		Expect(*st.Holder).To(BeZero())
	})

	It("should expose sweep results, server health and metrics", func() {
		fc.Step(presets.DefaultInterval)
		Eventually(func() uint64 { return status().Completed }).Should(Equal(uint64(1)))

		resp, err := http.Get(srv.URL + "/servers")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		var health []probe.Health
		Expect(json.NewDecoder(resp.Body).Decode(&health)).To(Succeed())
		Expect(health).To(HaveLen(1))
		Expect(health[0].Healthy).To(BeTrue())

		mresp, err := http.Get(srv.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer mresp.Body.Close()
		var body bytes.Buffer
		_, _ = body.ReadFrom(mresp.Body)
		Expect(body.String()).To(ContainSubstring(`keepalive_sweep_completions_total{result="ok"} 1`))
	})

	It("should accept triggers", func() {
		resp, err := http.Post(srv.URL+"/trigger", "", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
	})
})
