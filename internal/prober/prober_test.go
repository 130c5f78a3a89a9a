package prober

import (
	"context"
	"testing"

	"github.com/diabeney/pggateway/internal/metrics"
	"github.com/diabeney/pggateway/internal/registry"
	"github.com/diabeney/pggateway/internal/routing"
)

func TestPublishNoPrimaryClearsRouting(t *testing.T) {
	rt := routing.New()
	rt.Publish(0)

	p := &Prober{routing: rt, registry: &registry.Registry{}}
	changed := p.publish(-1)
	if !changed {
		t.Fatalf("publish(-1) after a known primary should report changed")
	}
	if got := rt.Load().PrimaryIndex; got != routing.NoPrimary {
		t.Fatalf("PrimaryIndex = %d, want %d", got, routing.NoPrimary)
	}
}

func TestCountUnhealthy(t *testing.T) {
	results := []result{
		{status: StatusPrimary},
		{status: StatusReplica},
		{status: StatusUnhealthy},
		{status: StatusUnhealthy},
	}
	if got := countUnhealthy(results); got != 2 {
		t.Fatalf("countUnhealthy = %d, want 2", got)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusPrimary:        "Primary",
		StatusPrimaryNotUsed: "Primary(not-used)",
		StatusReplica:        "Replica",
		StatusUnhealthy:      "Unhealthy",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestRunOnceWithNoReachableCandidatesPublishesUnhealthy(t *testing.T) {
	reg, err := registry.Parse("127.0.0.1:1", "postgres", 50)
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}
	rt := routing.New()
	m := metrics.New()

	p := New(reg, rt, m, 1, 50, 50)
	p.RunOnce(context.Background())

	if got := rt.Load().PrimaryIndex; got != routing.NoPrimary {
		t.Fatalf("PrimaryIndex = %d, want NoPrimary (unreachable candidate)", got)
	}
	snap := m.Snapshot()
	if snap.ServersTotal != 1 {
		t.Fatalf("ServersTotal = %d, want 1", snap.ServersTotal)
	}
}
