// Package notify fans engine events out to websocket clients, NATS and an optional webhook.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeBorrow       = "borrow"
	TypeReturn       = "return"
	TypeSlotAbnormal = "slot_abnormal"
	TypeStation      = "station"
)

// Event is one user facing notification.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	StationID  int64     `json:"station_id"`
	Slot       int       `json:"slot,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	UserID     int64     `json:"user_id,omitempty"`
	TerminalID string    `json:"terminal_id,omitempty"`
	Time       time.Time `json:"time"`
}

// Sink receives events on the dispatcher goroutine.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// DropCounter is told about events that did not fit the queue.
type DropCounter interface {
	Dropped(queue string)
}

// Dispatcher queues events and delivers them to every sink off the caller's goroutine.
type Dispatcher struct {
	queue       chan Event
	sinks       []namedSink
	dropped     DropCounter
	sendTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu     sync.RWMutex
	closed bool
}

type namedSink struct {
	name string
	sink Sink
}

// NewDispatcher builds a dispatcher with a bounded queue. dropped may be nil.
func NewDispatcher(queueSize int, dropped DropCounter, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:       make(chan Event, queueSize),
		dropped:     dropped,
		sendTimeout: 5 * time.Second,
		now:         time.Now,
		logger:      logger.Named("notify"),
	}
}

// AddSink registers a sink. Call before Run.
func (d *Dispatcher) AddSink(name string, sink Sink) {
	if sink == nil {
		return
	}
	d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
}

// Publish enqueues ev without blocking. A full queue drops the event.
func (d *Dispatcher) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = d.now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		if d.dropped != nil {
			d.dropped.Dropped("notify")
		}
		d.logger.Warn("notification queue full, dropping event",
			zap.String("type", ev.Type),
			zap.Int64("station_id", ev.StationID),
			zap.String("order_id", ev.OrderID))
	}
}

// Run delivers queued events until ctx is done, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) drain() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		if err := s.sink.Send(ctx, ev); err != nil {
			d.logger.Warn("notification sink failed",
				zap.String("sink", s.name),
				zap.String("type", ev.Type),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
		cancel()
	}
}
