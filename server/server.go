// Package server exposes the sift HTTP and WebSocket API: signal intake,
// report queries, and live job streaming.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sift/am"
	"github.com/teranos/sift/pulse"
	"github.com/teranos/sift/report"
	"github.com/teranos/sift/signal"
)

// SiftServer serves the signal intake and report lifecycle API
type SiftServer struct {
	db      *sql.DB
	queue   *pulse.Queue
	daemon  *pulse.WorkerPool
	signals *signal.Store
	reports *report.Store
	cfg     am.ServerConfig
	logger  *zap.SugaredLogger

	httpServer *http.Server

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the HTTP layer over the stores and the job daemon
func NewServer(db *sql.DB, daemon *pulse.WorkerPool, signals *signal.Store, reports *report.Store, cfg am.ServerConfig, logger *zap.SugaredLogger) *SiftServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SiftServer{
		db:      db,
		queue:   daemon.GetQueue(),
		daemon:  daemon,
		signals: signals,
		reports: reports,
		cfg:     cfg,
		logger:  logger.Named("server"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// routes builds the HTTP mux
func (s *SiftServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/signals", s.HandleSignals)
	mux.HandleFunc("/api/reports", s.HandleReports)
	mux.HandleFunc("/api/reports/", s.HandleReport)
	mux.HandleFunc("/api/jobs", s.HandleJobs)
	mux.HandleFunc("/api/jobs/", s.HandleJob)
	mux.HandleFunc("/api/stats", s.HandleStats)
	mux.HandleFunc("/api/health", s.HandleHealth)
	mux.HandleFunc("/ws/jobs", s.HandleJobsWS)

	return mux
}

// Start binds the listener and serves until Shutdown. Blocks.
func (s *SiftServer) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Infow("Server listening", "addr", listener.Addr().String())

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops WebSocket pumps
func (s *SiftServer) Shutdown(ctx context.Context) error {
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	// Wait for WebSocket goroutines, bounded by the caller's context
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Shutdown timed out waiting for WebSocket clients")
	}

	return err
}
