// Package prober implements the background health check loop: once per
// CHECK_EVERY interval it classifies every candidate, picks the first
// primary found in configuration order, and publishes it into
// internal/routing.State. Translated from health_check.c's
// health_thread_func/check_postgres_primary, reshaped around the
// teacher's ticker-driven reconcile loop in internal/health/health.go and
// its circuit.Breaker for reconnect throttling.
package prober

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/diabeney/pggateway/internal/metrics"
	"github.com/diabeney/pggateway/internal/registry"
	"github.com/diabeney/pggateway/internal/routing"
)

// Status is a candidate's classification for one check cycle.
type Status int

const (
	StatusPrimary Status = iota
	StatusPrimaryNotUsed
	StatusReplica
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusPrimary:
		return "Primary"
	case StatusPrimaryNotUsed:
		return "Primary(not-used)"
	case StatusReplica:
		return "Replica"
	default:
		return "Unhealthy"
	}
}

// healthState tracks whether the gateway currently has a routable primary,
// for the STATE CHANGE log line (matches health_state_t in health_check.c).
type healthState int

const (
	stateUnknown healthState = iota
	stateHealthy
	stateUnhealthy
)

// result is one candidate's outcome for a cycle, used both to pick the
// primary and to render the backend status table.
type result struct {
	host, port string
	status     Status
	reason     string
}

// Prober runs the periodic classification cycle.
type Prober struct {
	registry *registry.Registry
	routing  *routing.State
	metrics  *metrics.Counters

	checkEvery       time.Duration
	queryTimeoutMS   int
	connectTimeoutMS int

	lastState  healthState
	lastReason string
}

// New builds a Prober. checkEvery, queryTimeoutMS and connectTimeoutMS come
// straight from internal/config (CHECK_EVERY, QUERY_TIMEOUT_MS,
// CONNECT_TIMEOUT_MS).
func New(reg *registry.Registry, rt *routing.State, m *metrics.Counters, checkEvery time.Duration, queryTimeoutMS, connectTimeoutMS int) *Prober {
	m.SetServerCounts(len(reg.Candidates), 0)
	return &Prober{
		registry:         reg,
		routing:          rt,
		metrics:          m,
		checkEvery:       checkEvery,
		queryTimeoutMS:   queryTimeoutMS,
		connectTimeoutMS: connectTimeoutMS,
		lastState:        stateUnknown,
	}
}

// Run ticks every checkEvery until ctx is cancelled, running one cycle per
// tick (plus one immediately on entry, matching health_thread_func's
// check-then-sleep loop).
func (p *Prober) Run(ctx context.Context) {
	p.RunOnce(ctx)

	ticker := time.NewTicker(p.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs exactly one classification cycle across all candidates
// and, if the primary changed, publishes the new state and logs.
func (p *Prober) RunOnce(ctx context.Context) {
	results := make([]result, len(p.registry.Candidates))
	foundIdx := -1
	var primaryErrbuf string

	for i, cand := range p.registry.Candidates {
		isPrimary, reason := p.checkCandidate(ctx, cand)
		results[i] = result{host: cand.Host, port: cand.Port}

		if isPrimary {
			if foundIdx < 0 {
				foundIdx = i
				results[i].status = StatusPrimary
			} else {
				results[i].status = StatusPrimaryNotUsed
			}
			continue
		}

		if strings.HasPrefix(reason, "server reported read-only") {
			results[i].status = StatusReplica
			results[i].reason = "read-only"
		} else {
			results[i].status = StatusUnhealthy
			if reason == "" {
				reason = "check failed"
			}
			results[i].reason = reason
		}
		if primaryErrbuf == "" {
			if reason == "" {
				reason = "not primary"
			}
			primaryErrbuf = fmt.Sprintf("candidate %s:%s %s", cand.Host, cand.Port, reason)
		}
	}

	healthy := len(p.registry.Candidates) - countUnhealthy(results)
	p.metrics.SetServerCounts(len(p.registry.Candidates), healthy)

	changed := p.publish(foundIdx)

	newState := stateUnhealthy
	if foundIdx >= 0 {
		newState = stateHealthy
	}

	if changed || newState != p.lastState {
		p.logStateChange(newState, foundIdx, primaryErrbuf)
		p.lastState = newState
	}

	if changed {
		p.logBackendStatusTable(results)
	}
}

func countUnhealthy(results []result) int {
	n := 0
	for _, r := range results {
		if r.status == StatusUnhealthy {
			n++
		}
	}
	return n
}

// publish re-resolves the found candidate's DNS (if any), stores the
// result as that candidate's cached address, and publishes its index
// (routing.State.Publish bumps the epoch only when the index differs from
// the published one). No socket-address comparison is made: the candidate
// index is known from the scan. A DNS failure publishes NoPrimary.
func (p *Prober) publish(foundIdx int) bool {
	if foundIdx < 0 {
		changed, _ := p.routing.Publish(routing.NoPrimary)
		return changed
	}

	cand := p.registry.Candidates[foundIdx]
	addr, err := registry.Resolve(cand.Host, cand.Port)
	if err != nil {
		log.Printf("[prober] found primary %s:%s but DNS resolution failed: %v", cand.Host, cand.Port, err)
		changed, _ := p.routing.Publish(routing.NoPrimary)
		return changed
	}
	cand.SetResolved(addr)

	changed, _ := p.routing.Publish(foundIdx)
	return changed
}

// checkCandidate classifies a single candidate, opening or reusing its
// probe channel, and reports a non-empty reason whenever isPrimary is
// false. It is the Go rendition of check_postgres_primary.
func (p *Prober) checkCandidate(ctx context.Context, cand *registry.Candidate) (isPrimary bool, reason string) {
	if cand.Probe != nil && cand.Probe.IsClosed() {
		_ = cand.Probe.Close(ctx)
		cand.Probe = nil
	}

	if cand.Probe == nil {
		if !cand.Breaker.Allow() {
			return false, "backing off reconnect"
		}

		conn, err := p.dial(ctx, cand)
		if err != nil {
			cand.Breaker.RecordFailure()
			return false, fmt.Sprintf("connect failed: %v", err)
		}
		cand.Probe = conn
		cand.Breaker.RecordProbeSuccess()

		setTO := fmt.Sprintf("SET statement_timeout=%d;", p.queryTimeoutMS)
		if _, err := execOne(ctx, conn, setTO); err != nil {
			_ = conn.Close(ctx)
			cand.Probe = nil
			cand.Breaker.RecordFailure()
			return false, fmt.Sprintf("set statement_timeout failed: %v", err)
		}
	}

	rows, err := execOne(ctx, cand.Probe, "SHOW transaction_read_only;")
	if err != nil {
		_ = cand.Probe.Close(ctx)
		cand.Probe = nil
		cand.Breaker.RecordFailure()
		return false, fmt.Sprintf("read-only check failed: %v", err)
	}
	cand.Breaker.RecordProbeSuccess()

	if len(rows) == 0 || len(rows[0]) == 0 {
		return false, "read-only check failed: empty result"
	}

	val := strings.ToLower(string(rows[0][0]))
	if val == "off" {
		return true, ""
	}
	return false, "server reported read-only (standby)"
}

func (p *Prober) dial(ctx context.Context, cand *registry.Candidate) (*pgconn.PgConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(p.connectTimeoutMS)*time.Millisecond)
	defer cancel()
	return pgconn.Connect(dialCtx, cand.ConnString)
}

// execOne runs a single-statement query and returns its first result's
// rows, or the query's reported error.
func execOne(ctx context.Context, conn *pgconn.PgConn, sql string) ([][][]byte, error) {
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Rows, nil
}

func (p *Prober) logStateChange(newState healthState, foundIdx int, errbuf string) {
	last := stateName(p.lastState)
	epoch := p.routing.Epoch()

	if foundIdx >= 0 {
		cand := p.registry.Candidates[foundIdx]
		log.Printf("[prober] STATE CHANGE: %s -> HEALTHY primary %s:%s (epoch %d)", last, cand.Host, cand.Port, epoch)
		p.lastReason = ""
		return
	}

	reason := errbuf
	if reason == "" {
		reason = "no primary reachable"
	}
	log.Printf("[prober] STATE CHANGE: %s -> UNHEALTHY (%s) (epoch %d)", last, reason, epoch)
	p.lastReason = reason
}

func stateName(s healthState) string {
	switch s {
	case stateHealthy:
		return "HEALTHY"
	case stateUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// logBackendStatusTable logs the supplemented split-brain status table
// (from health_check.c's "Backend Status" block) whenever the primary
// changes.
func (p *Prober) logBackendStatusTable(results []result) {
	log.Printf("[prober] backend status:")
	for _, r := range results {
		if r.reason != "" {
			log.Printf("[prober]   %s:%s -> %s (%s)", r.host, r.port, r.status, r.reason)
		} else {
			log.Printf("[prober]   %s:%s -> %s", r.host, r.port, r.status)
		}
	}
}
