package registry

import (
	"net"
	"testing"
)

func TestParseValidCandidates(t *testing.T) {
	reg, err := Parse("10.0.0.1:5432, 10.0.0.2:5432,  10.0.0.3:5432", "appdb", 2000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(reg.Candidates) != 3 {
		t.Fatalf("len(Candidates) = %d, want 3", len(reg.Candidates))
	}

	want := []struct{ host, port string }{
		{"10.0.0.1", "5432"},
		{"10.0.0.2", "5432"},
		{"10.0.0.3", "5432"},
	}
	for i, w := range want {
		if reg.Candidates[i].Host != w.host || reg.Candidates[i].Port != w.port {
			t.Fatalf("candidate[%d] = %s:%s, want %s:%s", i, reg.Candidates[i].Host, reg.Candidates[i].Port, w.host, w.port)
		}
	}
}

func TestParseTrimsLeadingSpaceOnly(t *testing.T) {
	// A trailing space in the port segment is not trimmed (matches the
	// original's TrimLeft-only behavior) and must surface as a malformed
	// port, since "5432 " doesn't parse as an integer.
	_, err := Parse("10.0.0.1:5432 ", "appdb", 2000)
	if err == nil {
		t.Fatalf("Parse() with trailing space in port = nil error, want error")
	}
}

func TestParseRejectsMissingColon(t *testing.T) {
	_, err := Parse("10.0.0.1", "appdb", 2000)
	if err == nil {
		t.Fatalf("Parse() with no colon = nil error, want error")
	}
}

func TestParseRejectsEmptyHost(t *testing.T) {
	_, err := Parse(":5432", "appdb", 2000)
	if err == nil {
		t.Fatalf("Parse() with empty host = nil error, want error")
	}
}

func TestParseRejectsEmptyPort(t *testing.T) {
	_, err := Parse("10.0.0.1:", "appdb", 2000)
	if err == nil {
		t.Fatalf("Parse() with empty port = nil error, want error")
	}
}

func TestParseRejectsNonNumericPort(t *testing.T) {
	_, err := Parse("10.0.0.1:pg", "appdb", 2000)
	if err == nil {
		t.Fatalf("Parse() with non-numeric port = nil error, want error")
	}
}

func TestParseRejectsEmptyCandidatesEnv(t *testing.T) {
	_, err := Parse("   ", "appdb", 2000)
	if err == nil {
		t.Fatalf("Parse() with blank CANDIDATES = nil error, want error")
	}
}

func TestParseBuildsConnStringAndBreaker(t *testing.T) {
	reg, err := Parse("10.0.0.1:5432", "appdb", 500)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cand := reg.Candidates[0]
	want := "host=10.0.0.1 port=5432 connect_timeout=1 dbname=appdb application_name=pg_gateway"
	if cand.ConnString != want {
		t.Fatalf("ConnString = %q, want %q", cand.ConnString, want)
	}
	if cand.Breaker == nil {
		t.Fatalf("Breaker = nil, want initialized breaker")
	}
}

func TestResolvedAddrEqualIsStructural(t *testing.T) {
	a := ResolvedAddr{Valid: true, IsV6: false, IP: net.ParseIP("10.0.0.1"), Port: 5432}
	b := ResolvedAddr{Valid: true, IsV6: false, IP: net.ParseIP("10.0.0.1").To4(), Port: 5432}
	if !a.Equal(b) {
		t.Fatalf("Equal() = false for structurally identical addresses with different IP byte-widths")
	}

	c := ResolvedAddr{Valid: true, IsV6: false, IP: net.ParseIP("10.0.0.2"), Port: 5432}
	if a.Equal(c) {
		t.Fatalf("Equal() = true for different IPs")
	}

	var zero ResolvedAddr
	if a.Equal(zero) || zero.Equal(a) {
		t.Fatalf("Equal() = true when one side is unresolved")
	}
}
