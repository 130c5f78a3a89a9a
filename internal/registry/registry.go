// Package registry holds the immutable-after-startup list of PostgreSQL
// candidate backends that the gateway may route to. It is the Go
// counterpart of candidate_t / parse_candidates in the original pg_gateway
// sources, reshaped around the teacher's backendpool.Pool atomic-snapshot
// idiom (sync/atomic.Pointer over a value that is swapped, never mutated
// in place).
package registry

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/diabeney/pggateway/internal/circuit"
)

// ResolvedAddr is a structurally-comparable socket address: family tag,
// port, and raw IP bytes. Equal must never fall back to comparing the
// human-readable form (spec.md §3: "Equality is defined structurally ...
// never by textual form").
type ResolvedAddr struct {
	Valid bool
	IsV6  bool
	IP    net.IP
	Port  int
}

// Equal compares two resolved addresses structurally.
func (r ResolvedAddr) Equal(o ResolvedAddr) bool {
	if !r.Valid || !o.Valid {
		return false
	}
	if r.IsV6 != o.IsV6 || r.Port != o.Port {
		return false
	}
	return r.IP.Equal(o.IP)
}

// String renders the address for logging only; never used by Equal.
func (r ResolvedAddr) String() string {
	if !r.Valid {
		return "<unresolved>"
	}
	return net.JoinHostPort(r.IP.String(), strconv.Itoa(r.Port))
}

// Candidate is one configured backend endpoint. Allocated once at startup
// and never destroyed; Resolved and Probe are the only fields mutated
// after construction, and only by the prober goroutine.
type Candidate struct {
	Host string
	Port string

	// ConnString is the precomputed libpq-style keyword/value string used
	// to open the probe channel, mirroring health_check.c's conninfo.
	ConnString string

	resolved atomic.Pointer[ResolvedAddr]

	// Probe is the persistent probe channel handle; nil or stale between
	// reconnects. Owned exclusively by the prober goroutine.
	Probe *pgconn.PgConn

	// Breaker throttles reconnect attempts against a candidate that keeps
	// failing to even establish a TCP connection (see SPEC_FULL.md §4.1).
	Breaker *circuit.Breaker
}

// Resolved returns the last successfully resolved address, or a zero value
// with Valid=false if none has resolved yet.
func (c *Candidate) Resolved() ResolvedAddr {
	if p := c.resolved.Load(); p != nil {
		return *p
	}
	return ResolvedAddr{}
}

// SetResolved stores a freshly resolved address.
func (c *Candidate) SetResolved(a ResolvedAddr) {
	c.resolved.Store(&a)
}

// Registry is the read-only-after-startup candidate list.
type Registry struct {
	Candidates []*Candidate
}

// Parse splits the CANDIDATES env value into Candidates, building each
// entry's precomputed connection string. It performs no DNS resolution
// (every candidate starts with Resolved().Valid == false; the prober sets
// the address later) and aborts with an error on malformed host:port
// syntax, matching spec.md §6/§7 ("malformed entries abort startup").
func Parse(candidatesEnv, dbname string, connectTimeoutMS int) (*Registry, error) {
	if strings.TrimSpace(candidatesEnv) == "" {
		return nil, fmt.Errorf("CANDIDATES env var required")
	}

	parts := strings.Split(candidatesEnv, ",")
	reg := &Registry{Candidates: make([]*Candidate, 0, len(parts))}

	for _, raw := range parts {
		tok := strings.TrimLeft(raw, " ")
		idx := strings.LastIndex(tok, ":")
		if idx <= 0 || idx == len(tok)-1 {
			return nil, fmt.Errorf("invalid candidate format %q (expected host:port)", raw)
		}
		host, port := tok[:idx], tok[idx+1:]
		if _, err := strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid candidate format %q (expected host:port)", raw)
		}

		cand := &Candidate{
			Host:       host,
			Port:       port,
			ConnString: connString(host, port, dbname, connectTimeoutMS),
			Breaker: circuit.New(circuit.Config{
				FailureThreshold: 3,
				SuccessThreshold: 1,
				Timeout:          time.Duration(connectTimeoutMS) * time.Millisecond * 4,
			}),
		}
		reg.Candidates = append(reg.Candidates, cand)
	}

	return reg, nil
}

func connString(host, port, dbname string, connectTimeoutMS int) string {
	sec := connectTimeoutMS / 1000
	if sec < 1 {
		sec = 1
	}
	return fmt.Sprintf(
		"host=%s port=%s connect_timeout=%d dbname=%s application_name=pg_gateway",
		host, port, sec, dbname,
	)
}

// Resolve performs (or re-performs) DNS resolution for host:port and
// returns a structurally-comparable address. It never consults c.resolved;
// callers decide whether and when to SetResolved the result.
func Resolve(host, port string) (ResolvedAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return ResolvedAddr{}, err
	}
	return ResolvedAddr{
		Valid: true,
		IsV6:  addr.IP.To4() == nil,
		IP:    addr.IP,
		Port:  addr.Port,
	}, nil
}
