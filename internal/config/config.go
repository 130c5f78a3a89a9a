// Package config reads the gateway's entire external configuration
// surface: positional listen address/port arguments and the env vars
// named in spec.md §6. Deliberately the thinnest layer in the repo — the
// spec lists argument/env parsing as an explicit external-collaborator
// non-redesign target, and the teacher's own cmd/balto/main.go never
// reaches for a flag/viper/cobra library either, so this stays
// os.Getenv/strconv throughout.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every value the gateway needs to start.
type Config struct {
	ListenHost string
	ListenPort string

	Candidates string
	DBName     string

	ConnectTimeoutMS int
	QueryTimeoutMS   int
	CheckEvery       time.Duration

	NumWorkers int

	TCPKeepalive bool

	MetricsHost string
	MetricsPort string
}

// Load builds a Config from args (os.Args[1:]) and the process
// environment. args may be empty (LISTEN_HOST/LISTEN_PORT env vars are
// used instead) or exactly two positional values (listen_addr,
// listen_port), matching main.c's argc handling.
func Load(args []string) (Config, error) {
	var cfg Config

	switch len(args) {
	case 0:
		cfg.ListenHost = getenvDefault("LISTEN_HOST", "localhost")
		cfg.ListenPort = getenvDefault("LISTEN_PORT", "5432")
	case 2:
		cfg.ListenHost = args[0]
		cfg.ListenPort = args[1]
	default:
		return Config{}, fmt.Errorf("usage: pggateway [<listen_addr> <listen_port>]")
	}

	cfg.Candidates = os.Getenv("CANDIDATES")
	if cfg.Candidates == "" {
		return Config{}, fmt.Errorf("CANDIDATES env var required")
	}
	cfg.DBName = getenvDefault("PGDATABASE", "postgres")

	cfg.ConnectTimeoutMS = getenvInt("CONNECT_TIMEOUT_MS", 800)
	cfg.QueryTimeoutMS = getenvInt("QUERY_TIMEOUT_MS", 500)
	cfg.CheckEvery = time.Duration(getenvInt("CHECK_EVERY", 2)) * time.Second

	cfg.NumWorkers = clamp(getenvInt("NUM_THREADS", 1), 1, 64)

	cfg.TCPKeepalive = getenvInt("TCP_KEEPALIVE", 1) != 0

	cfg.MetricsHost = getenvDefault("METRICS_HOST", "::")
	cfg.MetricsPort = getenvDefault("METRICS_PORT", "9090")

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
