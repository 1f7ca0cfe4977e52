// Package tcp accepts station sockets and feeds their frames to the handlers.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/libs/logging"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/handlers"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/packetlog"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// Router routes authenticated frames.
type Router interface {
	Route(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (*handlers.Reply, error)
}

// Observer counts rejected frames and evictions.
type Observer interface {
	Rejected(reason string)
	Evicted(reason string)
}

// Config for Server.
type Config struct {
	Host             string
	Ports            []int
	ReadTimeout      time.Duration
	MaxFrameSize     int
	MaxInvalidFrames int
}

// Server listens on every configured port.
type Server struct {
	cfg      Config
	registry *registry.Registry
	router   Router
	packets  packetlog.Recorder
	observer Observer
	logger   *zap.Logger

	connSeq   atomic.Uint64
	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewServer builds the transport. packets and observer may be nil.
func NewServer(cfg Config, reg *registry.Registry, router Router, packets packetlog.Recorder, observer Observer, logger *zap.Logger) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.MaxFrameSize
	}
	if cfg.MaxInvalidFrames <= 0 {
		cfg.MaxInvalidFrames = 5
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		router:   router,
		packets:  packets,
		observer: observer,
		logger:   logging.OrNop(logger).Named("tcp"),
	}
}

// Start opens a listener per port and accepts in the background. Either every port is bound or
// none stays open.
func (s *Server) Start(ctx context.Context) error {
	if len(s.cfg.Ports) == 0 {
		return errors.New("tcp: no ports configured")
	}
	var lc net.ListenConfig
	opened := make([]net.Listener, 0, len(s.cfg.Ports))
	for _, port := range s.cfg.Ports {
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return fmt.Errorf("tcp: listen %s: %w", addr, err)
		}
		opened = append(opened, l)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, opened...)
	s.mu.Unlock()
	for _, l := range opened {
		s.logger.Info("listening for stations", zap.String("addr", l.Addr().String()))
		s.wg.Add(1)
		go func(l net.Listener) {
			defer s.wg.Done()
			s.Serve(ctx, l)
		}(l)
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// Serve accepts connections from l until it is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) {
	var backoff time.Duration
	for {
		c, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			s.logger.Error("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			return
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, c)
		}()
	}
}

// Shutdown closes listeners and every station socket, then waits for the goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	closed := s.registry.CloseAll("shutdown")
	s.logger.Info("station sockets closed", zap.Int("count", closed))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeConn owns one station socket until it ends. Frames are handled strictly in order.
func (s *Server) ServeConn(ctx context.Context, c net.Conn) {
	key := fmt.Sprintf("%s#%d", c.RemoteAddr(), s.connSeq.Add(1))
	conn := s.registry.Register(key, c)
	log := s.logger.With(zap.String("conn", key), zap.String("remote", c.RemoteAddr().String()))
	log.Info("station socket connected")

	defer func() {
		if s.registry.Remove(conn) {
			log.Info("station socket closed", zap.Int64("station_id", conn.StationID()))
		}
	}()

	reader := &frameReader{c: c, timeout: s.cfg.ReadTimeout}
	for {
		raw, err := protocol.ReadFrame(reader, s.cfg.MaxFrameSize)
		reader.reset()
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrTooShort):
			s.reject(conn, nil, "short_frame", err)
			if !s.guard(conn) {
				return
			}
			continue
		case errors.Is(err, protocol.ErrFrameTooLarge):
			s.reject(conn, nil, "oversize_frame", err)
			log.Warn("oversize frame, closing socket", zap.Error(err))
			s.evict(conn, "oversize_frame")
			return
		default:
			if !errors.Is(err, io.EOF) && !registry.IsBenignClose(err) && !conn.Closed() {
				log.Info("station socket read ended", zap.Error(err))
			}
			return
		}

		if !s.dispatch(ctx, conn, raw) {
			return
		}
	}
}

// dispatch handles one frame and reports whether the socket stays open.
func (s *Server) dispatch(ctx context.Context, conn *registry.StationConnection, raw []byte) bool {
	frame, err := protocol.Decode(raw)
	if err != nil {
		s.reject(conn, raw, "malformed", err)
		return s.guard(conn)
	}
	if !frame.Opcode.Known() {
		s.reject(conn, raw, "unknown_opcode", fmt.Errorf("%w: %s", handlers.ErrUnsupportedOpcode, frame.Opcode))
		return s.guard(conn)
	}

	// login carries its own proof, checked against the stored secret by the login handler
	if frame.Opcode != protocol.OpLogin {
		if !conn.IsActive() {
			s.reject(conn, raw, "not_logged_in", errNotLoggedIn)
			return s.guard(conn)
		}
		if err := frame.Authenticate(conn.Secret()); err != nil {
			reason := "checksum"
			if errors.Is(err, protocol.ErrTokenInvalid) {
				reason = "token"
			}
			s.reject(conn, raw, reason, err)
			return s.guard(conn)
		}
		s.registry.TouchHeartbeat(conn)
	}
	s.record(conn, packetlog.Incoming, raw, nil)

	reply, err := s.route(ctx, conn, frame)
	if err != nil {
		fields := []zap.Field{
			zap.String("conn", conn.Key()),
			zap.Int64("station_id", conn.StationID()),
			zap.Stringer("opcode", frame.Opcode),
			zap.Error(err),
		}
		switch {
		case errors.Is(err, handlers.ErrLoginRejected):
			s.logger.Warn("login rejected", fields...)
			if s.observer != nil {
				s.observer.Rejected("login")
			}
			s.evict(conn, "login_rejected")
			return false
		case errors.Is(err, errHandlerPanic):
			s.logger.Error("handler panic", fields...)
			s.evict(conn, "panic")
			return false
		default:
			s.logger.Warn("frame handler failed", fields...)
			return true
		}
	}
	if reply == nil {
		return true
	}

	out, err := protocol.Encode(frame.Opcode, frame.Seq, conn.Secret(), reply.Payload)
	if err != nil {
		s.logger.Error("encode reply failed", zap.String("conn", conn.Key()), zap.Stringer("opcode", frame.Opcode), zap.Error(err))
		return true
	}
	err = conn.Send(out)
	s.record(conn, packetlog.Outgoing, out, err)
	if err != nil {
		s.logger.Info("reply write failed", zap.String("conn", conn.Key()), zap.Error(err))
		return false
	}
	if reply.After != nil {
		reply.After()
	}
	return true
}

var (
	errHandlerPanic = errors.New("handler panic")
	errNotLoggedIn  = errors.New("frame before login")
)

func (s *Server) route(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (reply *handlers.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered panic", zap.Any("panic", r), zap.Stack("stack"))
			reply, err = nil, fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return s.router.Route(ctx, conn, frame)
}

func (s *Server) record(conn *registry.StationConnection, direction string, raw []byte, err error) {
	if s.packets != nil {
		s.packets.Record(conn, direction, raw, err)
	}
}

func (s *Server) reject(conn *registry.StationConnection, raw []byte, reason string, err error) {
	if raw != nil {
		s.record(conn, packetlog.Incoming, raw, err)
	}
	if s.observer != nil {
		s.observer.Rejected(reason)
	}
	s.logger.Warn("frame rejected",
		zap.String("conn", conn.Key()),
		zap.Int64("station_id", conn.StationID()),
		zap.String("reason", reason),
		zap.Error(err))
}

// guard counts an invalid frame and evicts the socket once the limit is reached.
func (s *Server) guard(conn *registry.StationConnection) bool {
	if conn.RecordInvalid() < s.cfg.MaxInvalidFrames {
		return true
	}
	s.logger.Warn("too many invalid frames, closing socket",
		zap.String("conn", conn.Key()),
		zap.Int64("station_id", conn.StationID()),
		zap.Int("limit", s.cfg.MaxInvalidFrames))
	s.evict(conn, "invalid_frames")
	return false
}

func (s *Server) evict(conn *registry.StationConnection, reason string) {
	if s.registry.Evict(conn, reason) && s.observer != nil {
		s.observer.Evicted(reason)
	}
}

// frameReader arms the read deadline once the first byte of a frame arrived, so a stalled body
// cannot pin the goroutine. Between frames the socket may idle until the supervisor evicts it.
type frameReader struct {
	c       net.Conn
	timeout time.Duration
	armed   bool
}

func (r *frameReader) Read(p []byte) (int, error) {
	n, err := r.c.Read(p)
	if n > 0 && !r.armed && r.timeout > 0 {
		_ = r.c.SetReadDeadline(time.Now().Add(r.timeout))
		r.armed = true
	}
	return n, err
}

func (r *frameReader) reset() {
	if r.armed {
		_ = r.c.SetReadDeadline(time.Time{})
		r.armed = false
	}
}
