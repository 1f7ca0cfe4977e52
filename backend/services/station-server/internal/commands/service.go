// Package commands sends server-initiated commands to stations and waits for their answers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/packetlog"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

var (
	ErrResponseTimeout = errors.New("timed out waiting for station response")
	ErrInvalidArgument = errors.New("invalid command argument")
)

// StationStatusStore flips the persisted station status.
type StationStatusStore interface {
	UpdateStatus(ctx context.Context, stationID int64, status string) error
}

// Result is the uniform answer of every command.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	StationID int64  `json:"station_id"`
	PacketHex string `json:"packet_hex,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Config for Service.
type Config struct {
	Timeout time.Duration
	Now     func() time.Time
}

type waitKey struct {
	conn   string
	opcode protocol.Opcode
}

// Service resolves the station connection, writes the command frame and, for request/response
// commands, parks until the inbound dispatcher delivers the matching answer.
type Service struct {
	registry *registry.Registry
	stations StationStatusStore
	packets  packetlog.Recorder
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	waiters map[waitKey][]chan protocol.Frame
}

// New builds the command service. stations and packets may be nil.
func New(reg *registry.Registry, stations StationStatusStore, packets packetlog.Recorder, cfg Config, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: reg,
		stations: stations,
		packets:  packets,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		logger:   logger.Named("commands"),
		waiters:  make(map[waitKey][]chan protocol.Frame),
	}
}

// Deliver hands an inbound response to the oldest caller waiting for it on that socket. It reports
// whether anyone was waiting.
func (s *Service) Deliver(conn *registry.StationConnection, frame protocol.Frame) bool {
	key := waitKey{conn.Key(), frame.Opcode}
	s.mu.Lock()
	queue := s.waiters[key]
	if len(queue) == 0 {
		s.mu.Unlock()
		return false
	}
	ch := queue[0]
	if len(queue) == 1 {
		delete(s.waiters, key)
	} else {
		s.waiters[key] = queue[1:]
	}
	s.mu.Unlock()

	ch <- frame
	return true
}

func (s *Service) addWaiter(key waitKey) chan protocol.Frame {
	ch := make(chan protocol.Frame, 1)
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) dropWaiter(key waitKey, ch chan protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.waiters[key]
	for i, other := range queue {
		if other == ch {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.waiters, key)
	} else {
		s.waiters[key] = queue
	}
}

// sendOn encodes and writes a frame on conn. The returned hex is set even when the write fails.
func (s *Service) sendOn(conn *registry.StationConnection, op protocol.Opcode, payload []byte) (string, error) {
	secret := conn.Secret()
	if len(secret) == 0 {
		return "", registry.ErrNoSecretKey
	}
	raw, err := protocol.Encode(op, conn.NextSeq(), secret, payload)
	if err != nil {
		return "", err
	}
	err = conn.Send(raw)
	if s.packets != nil {
		s.packets.Record(conn, packetlog.Outgoing, raw, err)
	}
	if err != nil {
		s.logger.Warn("command write failed",
			zap.Int64("station_id", conn.StationID()),
			zap.String("conn", conn.Key()),
			zap.Stringer("opcode", op),
			zap.Error(err))
	}
	return protocol.Hex(raw), err
}

func (s *Service) send(stationID int64, op protocol.Opcode, payload []byte) (*registry.StationConnection, string, error) {
	conn, err := s.registry.Resolve(stationID)
	if err != nil {
		return nil, "", err
	}
	hex, err := s.sendOn(conn, op, payload)
	return conn, hex, err
}

// request sends a command and waits for the response with the same opcode on the same socket.
func (s *Service) request(ctx context.Context, stationID int64, op protocol.Opcode, payload []byte) (protocol.Frame, string, error) {
	conn, err := s.registry.Resolve(stationID)
	if err != nil {
		return protocol.Frame{}, "", err
	}

	key := waitKey{conn.Key(), op}
	ch := s.addWaiter(key)
	defer s.dropWaiter(key, ch)

	hex, err := s.sendOn(conn, op, payload)
	if err != nil {
		return protocol.Frame{}, hex, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case frame := <-ch:
		return frame, hex, nil
	case <-timer.C:
		return protocol.Frame{}, hex, fmt.Errorf("%w: %s after %s", ErrResponseTimeout, op, s.timeout)
	case <-ctx.Done():
		return protocol.Frame{}, hex, ctx.Err()
	}
}

func failed(stationID int64, hex string, err error) (Result, error) {
	return Result{Success: false, Message: err.Error(), StationID: stationID, PacketHex: hex}, err
}
