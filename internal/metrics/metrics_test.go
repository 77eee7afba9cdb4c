package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"lockbox/internal/lockbox"
	"lockbox/internal/metrics"
	"lockbox/internal/statebus"
)

func family(t *testing.T, c *metrics.Collector, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not registered", name)
	return nil
}

func labelled(mf *dto.MetricFamily, label, value string) *dto.Metric {
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestObserveStateChanges(t *testing.T) {
	c := metrics.New()
	c.Observe(lockbox.Event{Type: lockbox.EventStateChanged, State: lockbox.InSequence(2)})

	states := family(t, c, "lockbox_state")
	if m := labelled(states, "state", "sequence"); m == nil || m.GetGauge().GetValue() != 1 {
		t.Fatalf("sequence gauge = %v", m)
	}
	if m := labelled(states, "state", "unlock"); m == nil || m.GetGauge().GetValue() != 0 {
		t.Fatalf("unlock gauge = %v", m)
	}
	if got := family(t, c, "lockbox_stage_index").GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Fatalf("stage index = %v", got)
	}

	c.Observe(lockbox.Event{Type: lockbox.EventStateChanged, State: lockbox.Locked})
	if got := family(t, c, "lockbox_stage_index").GetMetric()[0].GetGauge().GetValue(); got != -1 {
		t.Fatalf("stage index after lock = %v", got)
	}
	if got := family(t, c, "lockbox_state_transitions_total").GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("transitions = %v", got)
	}
}

func TestObserveRunOutcomes(t *testing.T) {
	c := metrics.New()
	c.Observe(lockbox.Event{Type: lockbox.EventRunFinished, Locked: true, Elapsed: time.Second})
	c.Observe(lockbox.Event{Type: lockbox.EventRunFinished, Error: "dac offline", Elapsed: time.Second})
	c.Observe(lockbox.Event{Type: lockbox.EventRunCancelled, Elapsed: time.Second})

	runs := family(t, c, "lockbox_runs_total")
	for _, outcome := range []string{"locked", "failed", "cancelled"} {
		if m := labelled(runs, "outcome", outcome); m == nil || m.GetCounter().GetValue() != 1 {
			t.Fatalf("%s runs = %v", outcome, m)
		}
	}
	if got := family(t, c, "lockbox_run_duration_seconds").GetMetric()[0].GetHistogram().GetSampleCount(); got != 3 {
		t.Fatalf("histogram samples = %d", got)
	}
}

func TestObserveEvaluation(t *testing.T) {
	c := metrics.New()
	c.ObserveEvaluation(lockbox.Evaluation{Locked: true, Reason: lockbox.ReasonWithinInterval, Input: "reflection", Mean: 0.02, RMS: 0.001})
	if got := family(t, c, "lockbox_locked").GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("locked gauge = %v", got)
	}
	if m := labelled(family(t, c, "lockbox_error_signal_mean"), "input", "reflection"); m == nil || m.GetGauge().GetValue() != 0.02 {
		t.Fatalf("mean gauge = %v", m)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	c := metrics.New()
	bus := statebus.NewMemory()
	if err := c.RegisterBus(bus.Stats); err != nil {
		t.Fatalf("RegisterBus: %v", err)
	}
	if err := c.RegisterBus(bus.Stats); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"lockbox_state{state=\"unlock\"} 1", "lockbox_statebus_published_total 0"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %q", name)
		}
	}
}
