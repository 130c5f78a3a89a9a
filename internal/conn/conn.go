// Package conn implements the connection record and its state machine:
// non-blocking backend connect, established splice-based forwarding, and
// guarded teardown. It is the Go translation of gateway.h's conn_t and
// gateway.c's drive_connection/update_epoll_flags/close_conn, using
// golang.org/x/sys/unix for the raw fd, pipe, and splice operations that
// have no net.Conn equivalent (see SPEC_FULL.md §4.3).
package conn

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/diabeney/pggateway/internal/metrics"
)

// State is the connection's position in its one-way lifecycle.
type State int32

const (
	Connecting State = iota
	Established
)

// spliceChunk and pipeCapacity mirror SPLICE_CHUNK / PIPE_CAPACITY from
// gateway.h.
const (
	spliceChunk  = 128 * 1024
	pipeCapacity = 1 << 20
)

// Outcome is the result of driving a connection one step.
type Outcome int

const (
	// OutcomeProgress means forwarding succeeded (or there was nothing to
	// do yet, e.g. still connecting); the caller should re-arm readiness.
	OutcomeProgress Outcome = iota
	// OutcomeClientClosed means the client half-closed; tear down quietly.
	OutcomeClientClosed
	// OutcomeBackendClosed means the backend hung up unexpectedly; tear
	// down and log loudly.
	OutcomeBackendClosed
	// OutcomeError means a hard I/O or connect error; tear down quietly.
	OutcomeError
)

// Conn is a single client↔backend connection record. Exactly one worker
// goroutine touches it between handoff (dispatcher registers it and writes
// the wakeup byte) and teardown; no field needs synchronization except
// closed, which guards the idempotent close that both a worker and, on an
// accept-time failure, the dispatcher itself may invoke.
type Conn struct {
	ClientFD  int32
	BackendFD int32

	// C2B and B2C are {read, write} fd pairs; -1 until created.
	C2B [2]int32
	B2C [2]int32

	Epoch uint64
	State State

	closed     atomic.Bool
	Registered bool
}

// New allocates a connection record bound to epoch, with all pipe fds
// marked unset. connected indicates whether the backend connect() call
// returned immediately (Established) or EINPROGRESS (Connecting).
func New(clientFD, backendFD int32, epoch uint64, connected bool) *Conn {
	c := &Conn{
		ClientFD:  clientFD,
		BackendFD: backendFD,
		C2B:       [2]int32{-1, -1},
		B2C:       [2]int32{-1, -1},
		Epoch:     epoch,
	}
	if connected {
		c.State = Established
	} else {
		c.State = Connecting
	}
	return c
}

// CreatePipes allocates both FIFO buffers, non-blocking, and best-effort
// enlarges each to pipeCapacity (a failed enlarge is not fatal, per
// spec.md §3/§4.2 step 6).
func (c *Conn) CreatePipes() error {
	if err := makePipe(&c.C2B); err != nil {
		return err
	}
	if err := makePipe(&c.B2C); err != nil {
		return err
	}
	return nil
}

func makePipe(p *[2]int32) error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	p[0], p[1] = int32(fds[0]), int32(fds[1])
	_, _ = unix.FcntlInt(uintptr(p[0]), unix.F_SETPIPE_SZ, pipeCapacity)
	_, _ = unix.FcntlInt(uintptr(p[1]), unix.F_SETPIPE_SZ, pipeCapacity)
	return nil
}

// Drive advances the state machine one step: completing a pending connect,
// then splicing client→backend and backend→client until each direction
// would block. It is idempotent and event-driven, matching
// drive_connection in gateway.c.
func (c *Conn) Drive(m *metrics.Counters) Outcome {
	if c.State == Connecting {
		errno, err := unix.GetsockoptInt(int(c.BackendFD), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return OutcomeError
		}
		switch errno {
		case 0:
			c.State = Established
		case int(unix.EINPROGRESS), int(unix.EALREADY):
			return OutcomeProgress
		default:
			return OutcomeError
		}
	}

	// Client -> Backend
	n, res := spliceIn(c.ClientFD, c.C2B[1])
	if res == spliceEOF {
		return OutcomeClientClosed
	}
	if res == spliceErr {
		return OutcomeError
	}
	if n > 0 {
		m.AddBytesC2B(n)
	}
	if spliceOut(c.C2B[0], c.BackendFD) != nil {
		return OutcomeError
	}

	// Backend -> Client
	n, res = spliceIn(c.BackendFD, c.B2C[1])
	if res == spliceEOF {
		return OutcomeBackendClosed
	}
	if res == spliceErr {
		return OutcomeError
	}
	if n > 0 {
		m.AddBytesB2C(n)
	}
	if spliceOut(c.B2C[0], c.ClientFD) != nil {
		return OutcomeError
	}

	return OutcomeProgress
}

type spliceResult int

const (
	spliceOK spliceResult = iota
	spliceEOF
	spliceErr
)

// spliceIn drains fromFD into toPipeW in spliceChunk-sized calls until
// EAGAIN, the pipe fills, or an error/EOF occurs.
func spliceIn(fromFD, toPipeW int32) (total int, res spliceResult) {
	for {
		n, err := unix.Splice(int(fromFD), nil, int(toPipeW), nil, spliceChunk, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return total, spliceErr
		}
		if n == 0 {
			return total, spliceEOF
		}
		total += int(n)
		if n < spliceChunk {
			break
		}
	}
	return total, spliceOK
}

// spliceOut drains fromPipeR into toFD until EAGAIN or the pipe is empty.
func spliceOut(fromPipeR, toFD int32) error {
	for {
		n, err := unix.Splice(int(fromPipeR), nil, int(toFD), nil, spliceChunk, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// pipeBytesAvailable reports the bytes currently queued for read on rfd,
// via the FIONREAD ioctl (gateway.c's pipe_bytes_available). A failure is
// treated as zero, matching the original's best-effort semantics.
func pipeBytesAvailable(rfd int32) int {
	n, err := unix.IoctlGetInt(int(rfd), unix.TIOCINQ)
	if err != nil {
		return 0
	}
	return n
}

// ReadinessMasks computes the epoll event masks the client and backend
// sockets should be re-armed with, per spec.md §4.3's re-arm rules.
func (c *Conn) ReadinessMasks() (client, backend uint32) {
	const base = unix.EPOLLIN | unix.EPOLLET | unix.EPOLLRDHUP
	client, backend = base, base

	if c.State == Connecting {
		backend |= unix.EPOLLOUT
		return
	}
	if pipeBytesAvailable(c.B2C[0]) > 0 {
		client |= unix.EPOLLOUT
	}
	if pipeBytesAvailable(c.C2B[0]) > 0 {
		backend |= unix.EPOLLOUT
	}
	return
}

// CloseOnce performs the exactly-once guarded teardown: deregistering both
// sockets from epfd (best-effort), closing every fd that is >= 0, and
// reporting whether this call was the one that actually closed the record
// (false if it was already closed). Deregistration-then-close is
// sufficient to make any later epoll_wait batch entry for this connection
// a harmless miss in the worker's fd→*Conn map — see SPEC_FULL.md §4.3's
// memory-policy note on why no record leak is needed here.
func (c *Conn) CloseOnce(epfd int32) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}

	if c.ClientFD >= 0 {
		_ = unix.EpollCtl(int(epfd), unix.EPOLL_CTL_DEL, int(c.ClientFD), nil)
	}
	if c.BackendFD >= 0 {
		_ = unix.EpollCtl(int(epfd), unix.EPOLL_CTL_DEL, int(c.BackendFD), nil)
	}

	closeIfSet(&c.ClientFD)
	closeIfSet(&c.BackendFD)
	closeIfSet(&c.C2B[0])
	closeIfSet(&c.C2B[1])
	closeIfSet(&c.B2C[0])
	closeIfSet(&c.B2C[1])

	return true
}

func closeIfSet(fd *int32) {
	if *fd >= 0 {
		_ = unix.Close(int(*fd))
		*fd = -1
	}
}
