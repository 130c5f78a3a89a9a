// Package dispatcher implements the accept loop: one listening socket,
// accepting client connections and handing each off to the least-loaded
// forwarder worker after a non-blocking connect to the current primary.
// Translated from main.c's accept loop, using raw golang.org/x/sys/unix
// socket calls throughout (never net.Listen/net.Dial) because the
// Connecting/Established state machine needs the in-progress connect()
// that net.Dial hides.
package dispatcher

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/diabeney/pggateway/internal/conn"
	"github.com/diabeney/pggateway/internal/forwarder"
	"github.com/diabeney/pggateway/internal/metrics"
	"github.com/diabeney/pggateway/internal/pgwire"
	"github.com/diabeney/pggateway/internal/registry"
	"github.com/diabeney/pggateway/internal/routing"
)

const listenBacklog = 4096

// Dispatcher owns the listening socket and dispatches accepted connections
// to workers.
type Dispatcher struct {
	listenFD int32

	workers  []*forwarder.Worker
	registry *registry.Registry
	routing  *routing.State
	metrics  *metrics.Counters

	tcpKeepalive bool
}

// New builds and binds the listening socket for host:port, trying IPv6
// first with a fallback to the IPv4 wildcard when host is "::" and IPv6 is
// unavailable, matching main.c's getaddrinfo fallback.
func New(host, port string, workers []*forwarder.Worker, reg *registry.Registry, rt *routing.State, m *metrics.Counters, tcpKeepalive bool) (*Dispatcher, error) {
	fd, err := bindListener(host, port)
	if err != nil && host == "::" {
		log.Printf("IPv6 unavailable; falling back to 0.0.0.0:%s", port)
		fd, err = bindListener("0.0.0.0", port)
	}
	if err != nil {
		return nil, err
	}

	if err := unix.Listen(int(fd), listenBacklog); err != nil {
		_ = unix.Close(int(fd))
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Dispatcher{
		listenFD:     fd,
		workers:      workers,
		registry:     reg,
		routing:      rt,
		metrics:      m,
		tcpKeepalive: tcpKeepalive,
	}, nil
}

func bindListener(host, port string) (int32, error) {
	addr, err := registry.Resolve(host, port)
	if err != nil {
		return -1, err
	}

	family := unix.AF_INET
	if addr.IsV6 {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	var sa unix.Sockaddr
	if addr.IsV6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
		var a unix.SockaddrInet6
		a.Port = addr.Port
		copy(a.Addr[:], addr.IP.To16())
		sa = &a
	} else {
		var a unix.SockaddrInet4
		a.Port = addr.Port
		copy(a.Addr[:], addr.IP.To4())
		sa = &a
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%s: %w", host, port, err)
	}

	return int32(fd), nil
}

// Run drives the accept loop until running reports false.
func (d *Dispatcher) Run(running func() bool) {
	for running() {
		cfd, _, err := unix.Accept4(int(d.listenFD), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				time.Sleep(time.Millisecond)
				continue
			}
			log.Printf("accept error: %v", err)
			break
		}
		d.handleAccept(int32(cfd))
	}
	_ = unix.Close(int(d.listenFD))
}

func (d *Dispatcher) handleAccept(cfd int32) {
	setTCPOpts(cfd, d.tcpKeepalive)

	sample := d.routing.Load()
	if sample.PrimaryIndex < 0 || sample.PrimaryIndex >= len(d.registry.Candidates) {
		d.rejectNoPrimary(cfd)
		return
	}

	cand := d.registry.Candidates[sample.PrimaryIndex]
	target := cand.Resolved()
	if !target.Valid {
		d.rejectNoPrimary(cfd)
		return
	}

	bfd, connected, err := connectBackend(target)
	if err != nil {
		_ = unix.Close(int(cfd))
		return
	}
	setTCPOpts(bfd, d.tcpKeepalive)

	c := conn.New(cfd, bfd, sample.Epoch, connected)
	if err := c.CreatePipes(); err != nil {
		c.CloseOnce(-1)
		return
	}

	w := d.leastLoadedWorker()
	if err := w.Register(c); err != nil {
		c.CloseOnce(-1)
		return
	}
	w.Wake()
}

func (d *Dispatcher) rejectNoPrimary(cfd int32) {
	frame := pgwire.NoPrimaryErrorFrame("no healthy PostgreSQL primary available")
	_, _ = unix.Write(int(cfd), frame)
	_ = unix.Close(int(cfd))
}

// leastLoadedWorker mirrors leastconn.Next's comparison loop: strict '<'
// so ties keep the lowest index.
func (d *Dispatcher) leastLoadedWorker() *forwarder.Worker {
	best := d.workers[0]
	bestLoad := best.Load()
	for _, w := range d.workers[1:] {
		if l := w.Load(); l < bestLoad {
			best = w
			bestLoad = l
		}
	}
	return best
}

func connectBackend(target registry.ResolvedAddr) (fd int32, connected bool, err error) {
	family := unix.AF_INET
	if target.IsV6 {
		family = unix.AF_INET6
	}

	raw, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, err
	}

	var sa unix.Sockaddr
	if target.IsV6 {
		var a unix.SockaddrInet6
		a.Port = target.Port
		copy(a.Addr[:], target.IP.To16())
		sa = &a
	} else {
		var a unix.SockaddrInet4
		a.Port = target.Port
		copy(a.Addr[:], target.IP.To4())
		sa = &a
	}

	err = unix.Connect(raw, sa)
	if err == nil {
		return int32(raw), true, nil
	}
	if err == unix.EINPROGRESS {
		return int32(raw), false, nil
	}
	_ = unix.Close(raw)
	return -1, false, err
}

func setTCPOpts(fd int32, keepalive bool) {
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if !keepalive {
		return
	}
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 60)
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
}
