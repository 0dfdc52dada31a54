package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config carries the per-listener tuning a Server needs; each protocol
// port (GT06, Teltonika) gets its own Server built from the shared
// config.GatewayConfig plus its own address.
type Config struct {
	Addr                  string
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	MaxConnectionsPerPort int
	AcceptRatePerSec      int
}

// Server is a single-port TCP acceptor. It owns connection backpressure
// (a connection-count limiter and an accept-rate limiter) and hands each
// accepted socket to a caller-supplied handler, run on its own goroutine
// for the life of the connection.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	ln      net.Listener
	wg      sync.WaitGroup
	stopC   chan struct{}
	handler func(*ConnContext)

	limiter *ConnectionLimiter
	rate    *RateLimiter
	cb      *CircuitBreaker

	nextConnID  uint64
	onAccept    func()
	onRecvBytes func(n int)

	mu     sync.Mutex
	active map[uint64]*ConnContext
}

// New creates a TCP server bound to cfg.Addr. MaxConnectionsPerPort <= 0
// falls back to the limiter's own generous default.
func New(cfg Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		stopC:   make(chan struct{}),
		limiter: NewConnectionLimiter(cfg.MaxConnectionsPerPort, 2*time.Second),
		rate:    NewRateLimiter(cfg.AcceptRatePerSec, 0),
		cb:      NewCircuitBreaker(10, 30*time.Second),
		active:  make(map[uint64]*ConnContext),
	}
}

// SetConnHandler installs the per-connection callback invoked once for
// every accepted socket, before its read loop starts.
func (s *Server) SetConnHandler(h func(*ConnContext)) { s.handler = h }

// SetMetricsCallbacks wires optional accept/byte-received counters.
func (s *Server) SetMetricsCallbacks(onAccept func(), onRecvBytes func(int)) {
	s.onAccept, s.onRecvBytes = onAccept, onRecvBytes
}

func (s *Server) GetLogger() *zap.Logger { return s.logger }

// Start opens the listener and begins accepting in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		var conn net.Conn
		acceptErr := s.cb.Call(func() error {
			var err error
			conn, err = s.ln.Accept()
			return err
		})
		if acceptErr != nil {
			select {
			case <-s.stopC:
				return
			default:
			}
			if errors.Is(acceptErr, ErrCircuitOpen) {
				// A run of Accept() failures (fd exhaustion, a stuck
				// listener) tripped the breaker; back off longer than
				// the usual retry pause instead of spinning on it.
				time.Sleep(1 * time.Second)
				continue
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.rate.Allow() {
			_ = conn.Close()
			continue
		}
		if err := s.limiter.Acquire(context.Background()); err != nil {
			if s.logger != nil {
				s.logger.Warn("connection limit exceeded, refusing socket",
					zap.String("remote_addr", conn.RemoteAddr().String()))
			}
			_ = conn.Close()
			continue
		}

		if s.onAccept != nil {
			s.onAccept()
		}

		cc := newConnContext(s, conn)
		s.mu.Lock()
		s.active[cc.id] = cc
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.limiter.Release()
			defer func() {
				s.mu.Lock()
				delete(s.active, cc.id)
				s.mu.Unlock()
			}()
			if s.handler != nil {
				s.handler(cc)
			}
			cc.run()
		}()
	}
}

// ActiveConnections returns the number of currently accepted sockets.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) MaxConnections() int { return s.limiter.MaxConnections() }

func (s *Server) GetLimiterStats() *LimiterStats {
	stats := s.limiter.Stats()
	return &stats
}

func (s *Server) GetCircuitBreakerStats() *CircuitBreakerStats {
	stats := s.cb.Stats()
	return &stats
}

// Shutdown stops accepting and waits for in-flight connections to drain
// or ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopC)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	for _, cc := range s.active {
		_ = cc.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
