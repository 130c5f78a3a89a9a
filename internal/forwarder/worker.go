// Package forwarder implements the N identical forwarder worker event
// loops (spec.md §4.3): each owns a private epoll fd, a wakeup pipe, and a
// load counter, and drives its owned connections from Connecting through
// Established forwarding to teardown. Translated from forwarder.c, with
// the fd→*conn.Conn lookup explained in SPEC_FULL.md §4.3 standing in for
// C's epoll_data.ptr.
package forwarder

import (
	"log"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/diabeney/pggateway/internal/conn"
	"github.com/diabeney/pggateway/internal/metrics"
	"github.com/diabeney/pggateway/internal/routing"
)

const maxEvents = 4096

// Worker is one forwarder event loop. Safe for Load to be read from any
// goroutine (the accept dispatcher's least-loaded pick); every other
// method runs exclusively on the worker's own goroutine once Run starts.
type Worker struct {
	id    int
	epfd  int32
	wakeR int32
	wakeW int32

	load atomic.Int64

	conns map[int32]*conn.Conn

	routing *routing.State
	metrics *metrics.Counters
}

// New creates worker id's epoll instance and wakeup pipe, registering the
// wakeup pipe's read end with the epoll set, keyed by its own fd; Run
// recognizes it by comparing against wakeR, the Go analogue of
// data.ptr==NULL in forwarder.c, since we key by fd instead.
func New(id int, rt *routing.State, m *metrics.Counters) (*Worker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	w := &Worker{
		id:      id,
		epfd:    int32(epfd),
		wakeR:   int32(pipeFDs[0]),
		wakeW:   int32(pipeFDs[1]),
		conns:   make(map[int32]*conn.Conn),
		routing: rt,
		metrics: m,
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: w.wakeR}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, int(w.wakeR), &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(pipeFDs[0])
		_ = unix.Close(pipeFDs[1])
		return nil, err
	}

	return w, nil
}

// Load returns the worker's current connection count, for the accept
// dispatcher's least-loaded comparison.
func (w *Worker) Load() int64 { return w.load.Load() }

// Register hands a freshly accepted connection off to this worker: adds
// both fds to the epoll set with their initial readiness masks, stores the
// fd→record mapping, and increments the worker load and active-connection
// metric together (spec.md §4.2 step 9 — these two increments must happen
// together so that teardown, which decrements iff Registered, cannot
// underflow). It does not wake the worker; the caller does that once, after
// Register succeeds.
func (w *Worker) Register(c *conn.Conn) error {
	cliEv := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET | unix.EPOLLRDHUP, Fd: c.ClientFD}
	if err := unix.EpollCtl(int(w.epfd), unix.EPOLL_CTL_ADD, int(c.ClientFD), &cliEv); err != nil {
		return err
	}

	beEvents := uint32(unix.EPOLLIN | unix.EPOLLET | unix.EPOLLRDHUP)
	if c.State == conn.Connecting {
		beEvents |= unix.EPOLLOUT
	}
	beEv := unix.EpollEvent{Events: beEvents, Fd: c.BackendFD}
	if err := unix.EpollCtl(int(w.epfd), unix.EPOLL_CTL_ADD, int(c.BackendFD), &beEv); err != nil {
		_ = unix.EpollCtl(int(w.epfd), unix.EPOLL_CTL_DEL, int(c.ClientFD), nil)
		return err
	}

	w.conns[c.ClientFD] = c
	w.conns[c.BackendFD] = c
	c.Registered = true

	w.load.Add(1)
	w.metrics.IncActiveConnections()

	return nil
}

// Wake writes one byte to the wakeup pipe. Per spec.md §9's Open Question,
// the write's return value is deliberately not checked/retried here — the
// spec accepts that a write under extreme backpressure could miss a wake
// signal, and leaves retry-on-EAGAIN or a pending-bit as a future policy
// choice rather than a requirement of this implementation.
func (w *Worker) Wake() {
	buf := [1]byte{1}
	_, _ = unix.Write(int(w.wakeW), buf[:])
}

// Run drives the event loop until running reports false. It blocks on
// epoll_wait with a 1s timeout so it can observe shutdown promptly even
// with no connection activity.
func (w *Worker) Run(running func() bool) {
	events := make([]unix.EpollEvent, maxEvents)

	for running() {
		n, err := unix.EpollWait(int(w.epfd), events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("[worker-%d] epoll_wait error: %v", w.id, err)
			break
		}

		curEpoch := w.routing.Epoch()

		for i := 0; i < n; i++ {
			fd := events[i].Fd

			if fd == w.wakeR {
				w.drainWakeup()
				continue
			}

			c, ok := w.conns[fd]
			if !ok {
				// Already torn down earlier in this same batch, or a
				// stale event for a deregistered fd.
				continue
			}

			if c.Epoch != curEpoch {
				w.teardown(c, "stale epoch")
				continue
			}

			switch c.Drive(w.metrics) {
			case conn.OutcomeProgress:
				w.rearm(c)
			case conn.OutcomeClientClosed:
				w.teardown(c, "client closed")
			case conn.OutcomeBackendClosed:
				log.Printf("[worker-%d] backend closed connection unexpectedly", w.id)
				w.teardown(c, "backend closed")
			case conn.OutcomeError:
				w.teardown(c, "io error")
			}
		}
	}

	w.closeAll()
}

func (w *Worker) drainWakeup() {
	var buf [64]byte
	for {
		n, err := unix.Read(int(w.wakeR), buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *Worker) rearm(c *conn.Conn) {
	cliMask, beMask := c.ReadinessMasks()
	cliEv := unix.EpollEvent{Events: cliMask, Fd: c.ClientFD}
	beEv := unix.EpollEvent{Events: beMask, Fd: c.BackendFD}
	_ = unix.EpollCtl(int(w.epfd), unix.EPOLL_CTL_MOD, int(c.ClientFD), &cliEv)
	_ = unix.EpollCtl(int(w.epfd), unix.EPOLL_CTL_MOD, int(c.BackendFD), &beEv)
}

func (w *Worker) teardown(c *conn.Conn, _ string) {
	delete(w.conns, c.ClientFD)
	delete(w.conns, c.BackendFD)

	if !c.CloseOnce(w.epfd) {
		return
	}
	if c.Registered {
		w.metrics.DecActiveConnections()
		w.load.Add(-1)
	}
}

// closeAll tears down every remaining connection when the worker exits,
// and releases the worker's own fds.
func (w *Worker) closeAll() {
	seen := make(map[*conn.Conn]struct{}, len(w.conns))
	for _, c := range w.conns {
		if _, done := seen[c]; done {
			continue
		}
		seen[c] = struct{}{}
		w.teardown(c, "shutdown")
	}

	_ = unix.Close(int(w.epfd))
	_ = unix.Close(int(w.wakeR))
	_ = unix.Close(int(w.wakeW))
	log.Printf("[worker-%d] stopped", w.id)
}
