package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.Sweep(OutcomeStarted)
	c.Completed(false, 2*time.Second)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 4 {
		t.Fatalf("expected metrics registered, got %d families", len(mfs))
	}
}

func TestNewDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	New(reg)
}

func TestSweepOutcomes(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.Sweep(OutcomeSkipped)
	c.Sweep(OutcomeSkipped)
	c.Sweep(OutcomeStarted)

	if got := testutil.ToFloat64(c.Sweeps.WithLabelValues(OutcomeSkipped)); got != 2 {
		t.Fatalf("expected 2 skipped sweeps, got %v", got)
	}
	if got := testutil.ToFloat64(c.Contended); got != 2 {
		t.Fatalf("expected 2 contended, got %v", got)
	}
	if got := testutil.ToFloat64(c.LockHeld); got != 1 {
		t.Fatalf("expected lock held, got %v", got)
	}

	c.Completed(true, time.Second)
	if got := testutil.ToFloat64(c.Completions.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed completion, got %v", got)
	}
	if got := testutil.ToFloat64(c.LockHeld); got != 0 {
		t.Fatalf("expected lock released, got %v", got)
	}
}

func TestNilCollectorsAreNoop(t *testing.T) {
	var c *Collectors
	c.Sweep(OutcomeEmpty)
	c.Completed(false, 0)
	c.Released()
}
