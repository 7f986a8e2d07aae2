package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrServerClosed is returned by Serve after Shutdown has been called.
var ErrServerClosed = errors.New("lookupd: server closed")

// Server accepts lookup connections and serves each on its own goroutine.
type Server struct {
	cfg     *Config
	handler *RequestHandler
	metrics *Metrics
	log     zerolog.Logger

	sem *semaphore.Weighted // nil when unbounded

	// connCtx is cancelled to force-close every live connection.
	connCtx     context.Context
	cancelConns context.CancelFunc

	mu        sync.Mutex
	ln        net.Listener
	serveDone chan struct{} // closed when the accept loop exits
	closing   atomic.Bool

	wg     sync.WaitGroup
	active atomic.Int64
	nextID atomic.Uint64
}

func NewServer(cfg *Config, store *RecordStore, metrics *Metrics, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: NewRequestHandler(store),
		metrics: metrics,
		log:     log.With().Str("component", "server").Logger(),
	}
	if cfg.MaxConns > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConns))
	}
	s.connCtx, s.cancelConns = context.WithCancel(context.Background())
	return s
}

// ActiveConns returns the number of connections currently being served.
func (s *Server) ActiveConns() int64 {
	return s.active.Load()
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds cfg.ListenAddr and serves until ctx is cancelled, then
// shuts down within cfg.ShutdownGrace. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ln)
	}()

	select {
	case err := <-errCh:
		// The listener failed underneath us; nothing more will be accepted.
		s.cancelConns()
		s.wg.Wait()
		return err
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if err := s.Shutdown(shutCtx); err != nil {
			s.log.Warn().Err(err).Msg("grace period expired, connections force-closed")
		}
		<-errCh
		return nil
	}
}

// Serve runs the accept loop on ln. Every accepted connection is handed to its
// own goroutine; the loop never waits on a connection.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.serveDone = make(chan struct{})
	done := s.serveDone
	s.mu.Unlock()
	defer close(done)

	var tempDelay time.Duration
	for {
		rw, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.log.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept failed")
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		if s.closing.Load() {
			rw.Close()
			return nil
		}
		s.dispatch(rw)
	}
}

func (s *Server) dispatch(rw net.Conn) {
	if s.sem != nil && !s.sem.TryAcquire(1) {
		s.metrics.connsRejected.Inc()
		s.log.Warn().
			Str("remote", rw.RemoteAddr().String()).
			Int("max_conns", s.cfg.MaxConns).
			Msg("connection limit reached, rejecting")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			rw.SetWriteDeadline(time.Now().Add(time.Second))
			rw.Write([]byte(respBusy))
			rw.Close()
		}()
		return
	}

	id := s.nextID.Add(1)
	c := s.newConn(rw, id)

	s.metrics.connsAccepted.Inc()
	s.metrics.connsActive.Inc()
	s.active.Add(1)
	s.wg.Add(1)

	go func() {
		defer func() {
			if s.sem != nil {
				s.sem.Release(1)
			}
			s.metrics.connsActive.Dec()
			s.active.Add(-1)
			s.wg.Done()
		}()
		c.serve(s.connCtx)
	}()
}

// Shutdown stops accepting, then waits for active connections to finish until
// ctx is done. Connections still open at that point are closed, and Shutdown
// returns only after every connection goroutine has exited. The returned error
// is ctx.Err() when connections had to be force-closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	ln, done := s.ln, s.serveDone
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if done != nil {
		<-done
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancelConns()
		return nil
	case <-ctx.Done():
		s.cancelConns()
		<-drained
		return ctx.Err()
	}
}
