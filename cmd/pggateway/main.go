// Command pggateway is a transparent TCP load balancer for a replicated
// PostgreSQL cluster: it accepts client connections on one listening
// socket, forwards them via zero-copy splice to whichever candidate a
// background prober currently believes is the primary, and exposes a
// Prometheus-style metrics endpoint. Translated from main.c's process
// wiring (signal handling, worker/prober/listener startup order).
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/diabeney/pggateway/internal/config"
	"github.com/diabeney/pggateway/internal/dispatcher"
	"github.com/diabeney/pggateway/internal/forwarder"
	"github.com/diabeney/pggateway/internal/metrics"
	"github.com/diabeney/pggateway/internal/prober"
	"github.com/diabeney/pggateway/internal/registry"
	"github.com/diabeney/pggateway/internal/routing"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Important for splice/sockets: a write to a peer that has reset the
	// connection must surface as EPIPE, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	reg, err := registry.Parse(cfg.Candidates, cfg.DBName, cfg.ConnectTimeoutMS)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	for i, c := range reg.Candidates {
		log.Printf("[config] backend[%d]=%s:%s", i, c.Host, c.Port)
	}

	rt := routing.New()
	m := metrics.New()

	var running atomic.Bool
	running.Store(true)

	ctx, cancel := context.WithCancel(context.Background())

	prb := prober.New(reg, rt, m, cfg.CheckEvery, cfg.QueryTimeoutMS, cfg.ConnectTimeoutMS)
	go prb.Run(ctx)

	metricsSrv := metrics.NewServer(net.JoinHostPort(cfg.MetricsHost, cfg.MetricsPort), m)
	go func() {
		if err := metricsSrv.Start(); err != nil {
			log.Printf("[metrics] server error: %v", err)
		}
	}()

	workers := make([]*forwarder.Worker, cfg.NumWorkers)
	var wg sync.WaitGroup
	for i := range workers {
		w, err := forwarder.New(i, rt, m)
		if err != nil {
			log.Fatalf("forwarder worker %d: %v", i, err)
		}
		workers[i] = w
		wg.Add(1)
		go func(w *forwarder.Worker) {
			defer wg.Done()
			w.Run(running.Load)
		}(w)
	}
	log.Printf("started %d worker threads", cfg.NumWorkers)

	disp, err := dispatcher.New(cfg.ListenHost, cfg.ListenPort, workers, reg, rt, m, cfg.TCPKeepalive)
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	log.Printf("pg_gateway started on %s:%s", cfg.ListenHost, cfg.ListenPort)

	dispatcherDone := make(chan struct{})
	go func() {
		disp.Run(running.Load)
		close(dispatcherDone)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down...")
	running.Store(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Printf("metrics shutdown error: %v", err)
	}

	<-dispatcherDone

	// Wake every worker so it doesn't block on epoll_wait until its 1s
	// timeout elapses.
	for _, w := range workers {
		w.Wake()
	}
	wg.Wait()
}
