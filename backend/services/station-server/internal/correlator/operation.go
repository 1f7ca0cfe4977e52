package correlator

import (
	"context"
	"time"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
)

// State of a pending operation.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Kind of physical operation.
type Kind string

const (
	KindBorrow Kind = "borrow"
	KindReturn Kind = "return"
)

// Failure reasons surfaced to users.
const (
	ReasonSlotLocked      = "slot locked"
	ReasonSlotEmpty       = "slot empty"
	ReasonDeviceError     = "device error"
	ReasonConnectionLost  = "connection lost"
	ReasonCancelled       = "cancelled"
	ReasonStationOffline  = "station offline"
	ReasonNoSecretKey     = "no secret key"
	ReasonTransportClosed = "transport closed"
	ReasonTimedOut        = "timed out"
)

// Outcome is the single resolution of an operation.
type Outcome struct {
	OrderID     string                   `json:"order_id"`
	Kind        Kind                     `json:"kind"`
	State       State                    `json:"state"`
	Reason      string                   `json:"reason,omitempty"`
	StationID   int64                    `json:"station_id"`
	Slot        uint8                    `json:"slot,omitempty"`
	TerminalID  protocol.TerminalID      `json:"-"`
	UserID      int64                    `json:"user_id,omitempty"`
	PowerbankID int64                    `json:"powerbank_id,omitempty"`
	PacketHex   string                   `json:"packet_hex,omitempty"`
	Borrow      *protocol.BorrowResponse `json:"-"`
	Return      *protocol.ReturnEvent    `json:"-"`
	CreatedAt   time.Time                `json:"created_at"`
	Deadline    time.Time                `json:"deadline"`
	ResolvedAt  time.Time                `json:"resolved_at,omitempty"`
}

// Succeeded is shorthand for State == StateSucceeded.
func (o Outcome) Succeeded() bool {
	return o.State == StateSucceeded
}

// Terminal renders the terminal id, empty when unknown.
func (o Outcome) Terminal() string {
	if o.TerminalID.IsZero() {
		return ""
	}
	return o.TerminalID.String()
}

// BorrowRequest describes a borrow to perform on a specific slot.
type BorrowRequest struct {
	OrderID     string
	StationID   int64
	Slot        uint8
	UserID      int64
	PowerbankID int64
	Timeout     time.Duration
}

// ReturnIntent declares that a user is expected to insert a unit at a station.
type ReturnIntent struct {
	OrderID     string
	StationID   int64
	UserID      int64
	PowerbankID int64
	// TerminalID, when known, lets an insertion match this intent ahead of FIFO order.
	TerminalID protocol.TerminalID
	Window     time.Duration
}

type operation struct {
	id          string
	kind        Kind
	stationID   int64
	slot        uint8
	userID      int64
	powerbankID int64
	terminal    protocol.TerminalID
	packetHex   string
	createdAt   time.Time
	deadline    time.Time

	timer   *time.Timer
	done    chan struct{}
	outcome Outcome
}

func (op *operation) pendingOutcome() Outcome {
	return Outcome{
		OrderID:     op.id,
		Kind:        op.kind,
		State:       StatePending,
		StationID:   op.stationID,
		Slot:        op.slot,
		TerminalID:  op.terminal,
		UserID:      op.userID,
		PowerbankID: op.powerbankID,
		PacketHex:   op.packetHex,
		CreatedAt:   op.createdAt,
		Deadline:    op.deadline,
	}
}

// Waiter is the caller's handle on one operation. It resolves exactly once.
type Waiter struct {
	op *operation
	c  *Correlator
}

// OrderID returns the correlation key.
func (w *Waiter) OrderID() string {
	return w.op.id
}

// Done is closed once the outcome is known.
func (w *Waiter) Done() <-chan struct{} {
	return w.op.done
}

// Outcome returns the outcome without blocking.
func (w *Waiter) Outcome() (Outcome, bool) {
	select {
	case <-w.op.done:
		return w.op.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the operation resolves. When ctx ends first the operation is cancelled and
// the context error is returned alongside the final outcome.
func (w *Waiter) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-w.op.done:
		return w.op.outcome, nil
	case <-ctx.Done():
		cancelled := w.c.Cancel(w.op.id)
		<-w.op.done
		if cancelled {
			return w.op.outcome, ctx.Err()
		}
		return w.op.outcome, nil
	}
}
