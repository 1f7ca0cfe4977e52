// Package packetlog records every frame exchanged with stations.
package packetlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

const (
	Incoming = "incoming"
	Outgoing = "outgoing"
)

// Store persists packet log entries.
type Store interface {
	SavePacket(ctx context.Context, entry models.PacketLog) error
}

// Counter receives per-frame metrics.
type Counter interface {
	Frame(direction, opcode string)
	Dropped(queue string)
}

// Recorder is what transports and command senders log through.
type Recorder interface {
	Record(conn *registry.StationConnection, direction string, raw []byte, err error)
}

// Log writes entries to the debug log synchronously and to the store from a background worker.
// The store is optional.
type Log struct {
	store   Store
	counter Counter
	logger  *zap.Logger
	entries chan models.PacketLog
	now     func() time.Time
}

// New builds a packet log with a bounded queue.
func New(store Store, counter Counter, queueSize int, logger *zap.Logger) *Log {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		store:   store,
		counter: counter,
		logger:  logger.Named("packets"),
		entries: make(chan models.PacketLog, queueSize),
		now:     time.Now,
	}
}

// Record logs one frame. It never blocks on storage.
func (l *Log) Record(conn *registry.StationConnection, direction string, raw []byte, err error) {
	entry := models.PacketLog{
		Direction: direction,
		Packet:    protocol.Hex(raw),
		CreatedAt: l.now().UTC(),
		Opcode:    -1,
		Seq:       -1,
	}
	if len(raw) >= protocol.HeaderSize {
		entry.Opcode = int(raw[2])
		entry.Seq = int(raw[3])
	}
	if conn != nil {
		entry.ConnKey = conn.Key()
		if id := conn.StationID(); id != 0 {
			entry.StationID = &id
		}
	}
	if err != nil {
		entry.Error = err.Error()
	}

	opcode := "invalid"
	if entry.Opcode >= 0 {
		opcode = protocol.Opcode(entry.Opcode).String()
	}
	if l.counter != nil {
		l.counter.Frame(direction, opcode)
	}
	l.logger.Debug("frame",
		zap.String("direction", direction),
		zap.String("conn", entry.ConnKey),
		zap.String("opcode", opcode),
		zap.String("packet", entry.Packet),
		zap.String("error", entry.Error))

	if l.store == nil {
		return
	}
	select {
	case l.entries <- entry:
	default:
		if l.counter != nil {
			l.counter.Dropped("packets")
		}
	}
}

// Run drains the queue into the store until ctx is cancelled, then flushes what is left.
func (l *Log) Run(ctx context.Context) {
	if l.store == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			l.flush()
			return
		case entry := <-l.entries:
			l.save(context.Background(), entry)
		}
	}
}

func (l *Log) flush() {
	for {
		select {
		case entry := <-l.entries:
			l.save(context.Background(), entry)
		default:
			return
		}
	}
}

func (l *Log) save(ctx context.Context, entry models.PacketLog) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := l.store.SavePacket(ctx, entry); err != nil {
		l.logger.Debug("save packet failed", zap.Error(err))
	}
}
