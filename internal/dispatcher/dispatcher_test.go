package dispatcher

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/diabeney/pggateway/internal/conn"
	"github.com/diabeney/pggateway/internal/forwarder"
	"github.com/diabeney/pggateway/internal/metrics"
	"github.com/diabeney/pggateway/internal/pgwire"
	"github.com/diabeney/pggateway/internal/registry"
	"github.com/diabeney/pggateway/internal/routing"
)

func newTestWorker(t *testing.T, id int, rt *routing.State, m *metrics.Counters) *forwarder.Worker {
	t.Helper()
	w, err := forwarder.New(id, rt, m)
	if err != nil {
		t.Fatalf("forwarder.New: %v", err)
	}
	return w
}

// registerDummyConn hands worker w one more connection backed by a fresh
// socketpair, bumping its load by one. The peer fds it opens are never
// closed by the caller; the test process exiting reclaims them.
func registerDummyConn(t *testing.T, w *forwarder.Worker, epoch uint64) {
	t.Helper()
	clientFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	backendFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	c := conn.New(int32(clientFDs[0]), int32(backendFDs[0]), epoch, true)
	if err := c.CreatePipes(); err != nil {
		t.Fatalf("CreatePipes: %v", err)
	}
	if err := w.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestLeastLoadedWorkerPicksLowestLoad(t *testing.T) {
	rt := routing.New()
	m := metrics.New()

	w0 := newTestWorker(t, 0, rt, m)
	w1 := newTestWorker(t, 1, rt, m)
	w2 := newTestWorker(t, 2, rt, m)

	d := &Dispatcher{workers: []*forwarder.Worker{w0, w1, w2}}

	if got := d.leastLoadedWorker(); got != w0 {
		t.Fatalf("with all loads equal, want first worker by tie-break")
	}
}

func TestLeastLoadedWorkerPicksActualLowestLoadNotJustTieBreak(t *testing.T) {
	rt := routing.New()
	m := metrics.New()

	w0 := newTestWorker(t, 0, rt, m)
	w1 := newTestWorker(t, 1, rt, m)
	w2 := newTestWorker(t, 2, rt, m)

	registerDummyConn(t, w0, 0)
	registerDummyConn(t, w0, 0)
	registerDummyConn(t, w2, 0)

	d := &Dispatcher{workers: []*forwarder.Worker{w0, w1, w2}}

	got := d.leastLoadedWorker()
	if got != w1 {
		t.Fatalf("leastLoadedWorker() picked worker with load %d, want w1 (load 0)", got.Load())
	}
}

// TestLeastLoadedWorkerDistributesWithinOneOfEachOther simulates many
// sequential dispatch decisions, each immediately registering a connection
// on the chosen worker (as the real accept path does), and checks the
// resulting spread across workers never exceeds one connection.
func TestLeastLoadedWorkerDistributesWithinOneOfEachOther(t *testing.T) {
	rt := routing.New()
	m := metrics.New()

	workers := make([]*forwarder.Worker, 4)
	for i := range workers {
		workers[i] = newTestWorker(t, i, rt, m)
	}
	d := &Dispatcher{workers: workers}

	const accepts = 400
	for i := 0; i < accepts; i++ {
		w := d.leastLoadedWorker()
		registerDummyConn(t, w, 0)
	}

	var minLoad, maxLoad int64 = workers[0].Load(), workers[0].Load()
	for _, w := range workers[1:] {
		if l := w.Load(); l < minLoad {
			minLoad = l
		} else if l > maxLoad {
			maxLoad = l
		}
	}
	if maxLoad-minLoad > 1 {
		t.Fatalf("load spread = %d (min=%d max=%d), want at most 1", maxLoad-minLoad, minLoad, maxLoad)
	}

	var total int64
	for _, w := range workers {
		total += w.Load()
	}
	if total != accepts {
		t.Fatalf("total registered = %d, want %d", total, accepts)
	}
}

func TestHandleAcceptRejectsWithNoPrimaryErrorFrame(t *testing.T) {
	rt := routing.New() // NoPrimary by construction
	m := metrics.New()

	reg, err := registry.Parse("10.0.0.1:5432", "appdb", 1000)
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}

	d := &Dispatcher{registry: reg, routing: rt, metrics: m}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	clientPeer, clientFD := fds[0], fds[1]
	defer unix.Close(clientPeer)

	d.handleAccept(int32(clientFD))

	want := pgwire.NoPrimaryErrorFrame("no healthy PostgreSQL primary available")
	got := make([]byte, len(want)+16)
	n, err := unix.Read(clientPeer, got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got[:n]) != string(want) {
		t.Fatalf("frame = %q, want %q", got[:n], want)
	}

	// handleAccept must have closed its end too; a further read observes
	// EOF (n==0), not data and not a block.
	n2, err := unix.Read(clientPeer, got)
	if err != nil {
		t.Fatalf("read after close: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("read after close returned %d bytes, want 0 (EOF)", n2)
	}
}

func TestHandleAcceptRejectsWhenPrimaryUnresolved(t *testing.T) {
	rt := routing.New()
	m := metrics.New()

	reg, err := registry.Parse("10.0.0.1:5432", "appdb", 1000)
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}
	// Publish a primary index but never resolve it: Resolved().Valid stays
	// false, which must be treated the same as NoPrimary.
	rt.Publish(0)

	d := &Dispatcher{registry: reg, routing: rt, metrics: m}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	clientPeer, clientFD := fds[0], fds[1]
	defer unix.Close(clientPeer)

	d.handleAccept(int32(clientFD))

	want := pgwire.NoPrimaryErrorFrame("no healthy PostgreSQL primary available")
	got := make([]byte, len(want)+16)
	n, err := unix.Read(clientPeer, got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got[:n]) != string(want) {
		t.Fatalf("frame = %q, want %q", got[:n], want)
	}
}
