package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/driftmesh/driftmesh/internal/config"
	"github.com/driftmesh/driftmesh/internal/coordinator"
	"github.com/driftmesh/driftmesh/internal/metrics"
	"github.com/driftmesh/driftmesh/internal/peer"
	"github.com/driftmesh/driftmesh/internal/routes"
	"github.com/driftmesh/driftmesh/internal/task"
	"github.com/driftmesh/driftmesh/internal/worker"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

func main() {
	var (
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides MESH_LISTEN_ADDR)")
		rootAddr   = flag.String("root", "", "bootstrap mesh address (overrides MESH_ROOT_ADDR)")
		debugFlag  = flag.Bool("debug", false, "enable debug logging")
		envFile    = flag.String("env", ".env", "environment file to load")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		}
	}
	if *debugFlag {
		os.Setenv("DEBUG", "true")
		os.Setenv("LOG_LEVEL", "DEBUG")
	}
	debug.Reinitialize()

	cfg := config.Load()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *rootAddr != "" {
		cfg.RootAddr = *rootAddr
	}

	if err := run(cfg); err != nil {
		debug.Error("Node failed: %v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	tun := worker.DefaultTunables()
	tun.MaxJobs = cfg.MaxJobs
	tun.MinJobs = cfg.MinJobs
	tun.MaxPeers = cfg.MaxPeers

	defaultFactory := &task.SleepFactory{}

	workers := make([]*worker.Worker, 0, cfg.Workers)
	parent := &lateParent{}
	for i := 0; i < cfg.Workers; i++ {
		retryPath := ""
		if cfg.RetryDir != "" {
			if err := os.MkdirAll(cfg.RetryDir, 0750); err != nil {
				return fmt.Errorf("failed to create retry dir: %w", err)
			}
			retryPath = filepath.Join(cfg.RetryDir, fmt.Sprintf("retry-%d.json", i))
		}
		workers = append(workers, worker.New(defaultFactory, parent, tun, os.Stdout, retryPath))
	}

	coord, err := coordinator.New(workers, coordinator.Options{
		RootAddr:       cfg.RootAddr,
		LinkPassword:   cfg.LinkPassword,
		TickInterval:   cfg.TickInterval,
		DefaultFactory: defaultFactory,
	})
	if err != nil {
		return err
	}
	parent.set(coord)

	history, err := metrics.NewHistory(0, cfg.HistoryCron)
	if err != nil {
		return fmt.Errorf("failed to set up metrics history: %w", err)
	}
	coord.AddActivityListener(history)

	router := mux.NewRouter()
	routes.Setup(router, coord, history, cfg.LinkPassword)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	history.Start()
	coord.Start()
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Mesh node %s listening on %s", coord.ID(), cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		debug.Info("Received %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		debug.Warning("HTTP shutdown: %v", err)
	}
	coord.Stop()
	history.Stop()
	return nil
}

// lateParent defers the coordinator reference: workers are constructed first
// and handed to the coordinator, which then becomes their parent.
type lateParent struct {
	mu    sync.RWMutex
	coord *coordinator.Coordinator
}

func (p *lateParent) set(c *coordinator.Coordinator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coord = c
}

func (p *lateParent) get() *coordinator.Coordinator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.coord
}

func (p *lateParent) RequestPeer(w *worker.Worker) (*peer.Link, error) {
	c := p.get()
	if c == nil {
		return nil, coordinator.ErrNoServer
	}
	return c.RequestPeer(w)
}

func (p *lateParent) RelayJob(w *worker.Worker, j task.Job) error {
	c := p.get()
	if c == nil {
		return fmt.Errorf("no coordinator attached")
	}
	return c.RelayJob(w, j)
}

func (p *lateParent) LinkDown(w *worker.Worker, l *peer.Link) {
	if c := p.get(); c != nil {
		c.LinkDown(w, l)
	}
}

func (p *lateParent) ParentActivityRatio() float64 {
	c := p.get()
	if c == nil {
		return 1
	}
	return c.ParentActivityRatio()
}
