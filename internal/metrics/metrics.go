// Package metrics holds the process-wide atomic counters the accept
// dispatcher and forwarder workers update, and renders them as the text
// body the telemetry endpoint serves. Grounded on metrics.c's counter set
// and body layout, using sync/atomic in place of C11 _Atomic.
package metrics

import (
	"fmt"
	"sync/atomic"
)

// Counters is the metrics sink (spec.md §2 component 5).
type Counters struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	bytesC2B          atomic.Int64
	bytesB2C          atomic.Int64
	serversTotal      atomic.Int32
	serversHealthy    atomic.Int32
}

// New returns a zeroed counter set.
func New() *Counters {
	return &Counters{}
}

// IncActiveConnections records a newly registered connection. Must be
// called together with (immediately alongside) the owning worker's load
// increment, per spec.md §4.2 step 9, so the two never drift apart.
func (c *Counters) IncActiveConnections() {
	c.activeConnections.Add(1)
	c.totalConnections.Add(1)
}

// DecActiveConnections records a torn-down connection that was registered.
func (c *Counters) DecActiveConnections() {
	c.activeConnections.Add(-1)
}

// AddBytesC2B adds to the client→backend byte counter. No-op for n<=0.
func (c *Counters) AddBytesC2B(n int) {
	if n > 0 {
		c.bytesC2B.Add(int64(n))
	}
}

// AddBytesB2C adds to the backend→client byte counter. No-op for n<=0.
func (c *Counters) AddBytesB2C(n int) {
	if n > 0 {
		c.bytesB2C.Add(int64(n))
	}
}

// SetServerCounts publishes the candidate pool size/health snapshot,
// called once per prober cycle.
func (c *Counters) SetServerCounts(total, healthy int) {
	c.serversTotal.Store(int32(total))
	c.serversHealthy.Store(int32(healthy))
}

// Snapshot is a point-in-time copy of every counter, used both by the
// telemetry endpoint and by tests asserting invariants.
type Snapshot struct {
	ActiveConnections int64
	TotalConnections  int64
	BytesC2B          int64
	BytesB2C          int64
	ServersTotal      int32
	ServersHealthy    int32
	ServersUnhealthy  int32
}

// Snapshot reads every counter atomically (each field independently; the
// set as a whole is not a single atomic transaction, matching the
// original's per-field relaxed loads in handle_metrics_request).
func (c *Counters) Snapshot() Snapshot {
	total := c.serversTotal.Load()
	healthy := c.serversHealthy.Load()
	return Snapshot{
		ActiveConnections: c.activeConnections.Load(),
		TotalConnections:  c.totalConnections.Load(),
		BytesC2B:          c.bytesC2B.Load(),
		BytesB2C:          c.bytesB2C.Load(),
		ServersTotal:      total,
		ServersHealthy:    healthy,
		ServersUnhealthy:  total - healthy,
	}
}

// Render produces the text/plain exposition body, matching metrics.c's
// handle_metrics_request byte-for-byte (metric names, HELP text, order).
func (c *Counters) Render() string {
	s := c.Snapshot()
	return fmt.Sprintf(
		"# HELP pg_gateway_connections_active Current number of active connections\n"+
			"# TYPE pg_gateway_connections_active gauge\n"+
			"pg_gateway_connections_active %d\n"+
			"\n"+
			"# HELP pg_gateway_connections_total Total number of connections since start\n"+
			"# TYPE pg_gateway_connections_total counter\n"+
			"pg_gateway_connections_total %d\n"+
			"\n"+
			"# HELP pg_gateway_bytes_client_to_backend_total Total bytes transferred from clients to backend\n"+
			"# TYPE pg_gateway_bytes_client_to_backend_total counter\n"+
			"pg_gateway_bytes_client_to_backend_total %d\n"+
			"\n"+
			"# HELP pg_gateway_bytes_backend_to_client_total Total bytes transferred from backend to clients\n"+
			"# TYPE pg_gateway_bytes_backend_to_client_total counter\n"+
			"pg_gateway_bytes_backend_to_client_total %d\n"+
			"\n"+
			"# HELP pg_gateway_servers_total Total number of configured backend servers\n"+
			"# TYPE pg_gateway_servers_total gauge\n"+
			"pg_gateway_servers_total %d\n"+
			"\n"+
			"# HELP pg_gateway_servers_healthy Number of healthy backend servers\n"+
			"# TYPE pg_gateway_servers_healthy gauge\n"+
			"pg_gateway_servers_healthy %d\n"+
			"\n"+
			"# HELP pg_gateway_servers_unhealthy Number of unhealthy backend servers\n"+
			"# TYPE pg_gateway_servers_unhealthy gauge\n"+
			"pg_gateway_servers_unhealthy %d\n",
		s.ActiveConnections, s.TotalConnections, s.BytesC2B, s.BytesB2C,
		s.ServersTotal, s.ServersHealthy, s.ServersUnhealthy,
	)
}
