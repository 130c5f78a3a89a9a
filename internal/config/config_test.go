package config

import (
	"testing"
	"time"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, map[string]string{"CANDIDATES": "10.0.0.1:5432,10.0.0.2:5432"}, func() {
		cfg, err := Load(nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.ListenHost != "localhost" || cfg.ListenPort != "5432" {
			t.Fatalf("listen addr = %s:%s, want localhost:5432", cfg.ListenHost, cfg.ListenPort)
		}
		if cfg.NumWorkers != 1 {
			t.Fatalf("NumWorkers = %d, want 1", cfg.NumWorkers)
		}
		if cfg.CheckEvery != 2*time.Second {
			t.Fatalf("CheckEvery = %v, want 2s", cfg.CheckEvery)
		}
		if cfg.DBName != "postgres" {
			t.Fatalf("DBName = %q, want postgres", cfg.DBName)
		}
	})
}

func TestLoadPositionalArgsOverrideEnv(t *testing.T) {
	withEnv(t, map[string]string{
		"CANDIDATES":  "10.0.0.1:5432",
		"LISTEN_HOST": "ignored",
		"LISTEN_PORT": "ignored",
	}, func() {
		cfg, err := Load([]string{"::", "6543"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.ListenHost != "::" || cfg.ListenPort != "6543" {
			t.Fatalf("listen addr = %s:%s, want ::6543", cfg.ListenHost, cfg.ListenPort)
		}
	})
}

func TestLoadRequiresCandidates(t *testing.T) {
	if _, err := Load(nil); err == nil {
		t.Fatalf("Load with no CANDIDATES should error")
	}
}

func TestNumWorkersClamped(t *testing.T) {
	withEnv(t, map[string]string{"CANDIDATES": "a:1", "NUM_THREADS": "999"}, func() {
		cfg, err := Load(nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.NumWorkers != 64 {
			t.Fatalf("NumWorkers = %d, want clamped to 64", cfg.NumWorkers)
		}
	})
}

func TestInvalidArgCountErrors(t *testing.T) {
	withEnv(t, map[string]string{"CANDIDATES": "a:1"}, func() {
		if _, err := Load([]string{"only-one"}); err == nil {
			t.Fatalf("Load with 1 positional arg should error")
		}
	})
}
