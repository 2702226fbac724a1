package stratum

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itrailmpool/miningcore/internal/config"
	"github.com/itrailmpool/miningcore/pkg/log"
)

// BanChecker answers whether a peer IP is currently banned.
type BanChecker interface {
	IsBanned(ip string) bool
}

// PoolServer accepts miner connections for one pool across its configured
// endpoints and runs the periodic vardiff retarget sweep.
type PoolServer struct {
	cfg            config.PoolConfig
	logger         *log.Logger
	handler        *PoolHandler
	broadcaster    *Broadcaster
	registry       *Registry
	bans           BanChecker
	telemetry      Telemetry
	diff           *DifficultyController
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxConnections int

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewPoolServer creates a server for the pool.
func NewPoolServer(cfg config.PoolConfig, logger *log.Logger, handler *PoolHandler, broadcaster *Broadcaster, registry *Registry, bans BanChecker, telemetry Telemetry, diff *DifficultyController, readTimeout, writeTimeout time.Duration, maxConnections int) *PoolServer {
	return &PoolServer{
		cfg:            cfg,
		logger:         logger.WithPool(cfg.ID).WithComponent("server"),
		handler:        handler,
		broadcaster:    broadcaster,
		registry:       registry,
		bans:           bans,
		telemetry:      telemetry,
		diff:           diff,
		readTimeout:    readTimeout,
		writeTimeout:   writeTimeout,
		maxConnections: maxConnections,
	}
}

// Registry returns the pool's connection registry.
func (s *PoolServer) Registry() *Registry {
	return s.registry
}

// Start waits for the first job, opens the pool's listeners and starts the
// accept loops. Accepting before the first job would let subscribers
// observe a nil current job.
func (s *PoolServer) Start(ctx context.Context) error {
	s.logger.Info("waiting for first job")
	if err := s.broadcaster.WaitFirstJob(ctx); err != nil {
		return err
	}

	for portKey, portCfg := range s.cfg.Ports {
		addr := portCfg.ListenAddr
		if addr == "" {
			addr = ":" + portKey
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.logger.Info("listening", "address", addr, "base_difficulty", portCfg.BaseDifficulty())

		s.wg.Add(1)
		go s.acceptLoop(ctx, ln, portCfg)
	}

	if s.diff.VarDiff() != nil {
		s.wg.Add(1)
		go s.retargetLoop(ctx)
	}
	return nil
}

func (s *PoolServer) acceptLoop(ctx context.Context, ln net.Listener, portCfg config.PortConfig) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.WithError(err).Debug("accept failed")
			return
		}

		ip := remoteIP(conn)
		if s.bans.IsBanned(ip) {
			s.telemetry.RecordBannedPeer(s.cfg.ID)
			s.logger.Debug("rejected banned peer", "remote_ip", ip)
			_ = conn.Close()
			continue
		}
		if s.registry.Len() >= s.maxConnections {
			s.logger.Warn("connection limit reached, rejecting peer", "remote_ip", ip)
			_ = conn.Close()
			continue
		}

		var vdState *VarDiffState
		if vd := s.diff.VarDiff(); vd != nil {
			vdState = vd.NewState(time.Now())
		}
		worker := NewWorkerContext(portCfg.BaseDifficulty(), vdState)
		c := NewConn(uuid.NewString(), s.cfg.ID, conn, worker, portCfg.BaseDifficulty(), s.logger, s.readTimeout, s.writeTimeout)

		s.registry.Add(c)
		s.telemetry.RecordConnectionCount(s.cfg.ID, int64(s.registry.Len()))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.registry.Remove(c.ID())
				s.telemetry.RecordConnectionCount(s.cfg.ID, int64(s.registry.Len()))
			}()
			if err := c.Start(ctx, s.handler); err != nil && err != context.Canceled {
				s.logger.WithError(err).Debug("connection ended", "conn_id", c.ID())
			}
		}()
	}
}

// retargetLoop runs the periodic vardiff sweep so idle connections ramp
// down between shares.
func (s *PoolServer) retargetLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.diff.VarDiff().RetargetInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.registry.Range(func(c *Conn) {
				if !c.Worker().IsSubscribed() {
					return
				}
				if s.diff.RetargetIdle(c, now) {
					if err := s.handler.pushDifficultyUpdate(c); err != nil {
						s.logger.Debug("difficulty update delivery failed", "conn_id", c.ID(), "error", err)
					}
				}
			})
		}
	}
}

// Shutdown closes the listeners and all sessions, waiting for handlers to
// finish within the context deadline.
func (s *PoolServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down pool server")
	s.closeListeners()
	s.registry.Range(func(c *Conn) { c.Close() })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

func (s *PoolServer) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
