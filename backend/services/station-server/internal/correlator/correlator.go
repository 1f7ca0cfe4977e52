// Package correlator matches asynchronous cabinet events to the borrow and return requests that
// are waiting on them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

var (
	ErrSlotBusy       = errors.New("slot already has an operation in flight")
	ErrDuplicateOrder = errors.New("order id already pending")
	ErrInvalidRequest = errors.New("invalid operation request")
)

var newOrderID = uuid.NewString

// Sender writes the borrow command to a station and returns the hex of the frame sent.
type Sender interface {
	SendBorrow(ctx context.Context, stationID int64, slot uint8) (string, error)
}

// Config holds correlator timeouts.
type Config struct {
	BorrowTimeout time.Duration
	ReturnWindow  time.Duration
	Now           func() time.Time
}

// ResolveHook receives every final outcome.
type ResolveHook func(Outcome)

type slotKey struct {
	stationID int64
	slot      uint8
}

// Correlator owns the index of pending operations. All check-then-remove sequences happen under
// one mutex so a late response, a timer and a cancellation cannot resolve the same operation twice.
type Correlator struct {
	mu      sync.Mutex
	ops     map[string]*operation
	borrows map[slotKey]string
	returns map[int64][]string
	hooks   []ResolveHook

	sender        Sender
	borrowTimeout time.Duration
	returnWindow  time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// New builds a correlator.
func New(sender Sender, cfg Config, logger *zap.Logger) *Correlator {
	if cfg.BorrowTimeout <= 0 {
		cfg.BorrowTimeout = 15 * time.Second
	}
	if cfg.ReturnWindow <= 0 {
		cfg.ReturnWindow = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		ops:           make(map[string]*operation),
		borrows:       make(map[slotKey]string),
		returns:       make(map[int64][]string),
		sender:        sender,
		borrowTimeout: cfg.BorrowTimeout,
		returnWindow:  cfg.ReturnWindow,
		now:           cfg.Now,
		logger:        logger.Named("correlator"),
	}
}

// OnResolved registers a hook invoked asynchronously with every outcome.
func (c *Correlator) OnResolved(hook ResolveHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Borrow registers a borrow for (station, slot) and sends the command. A second borrow for a slot
// that is still in flight fails with ErrSlotBusy before anything is written. Send failures are
// reported through the waiter.
func (c *Correlator) Borrow(ctx context.Context, req BorrowRequest) (*Waiter, error) {
	if req.StationID <= 0 || req.Slot == 0 {
		return nil, fmt.Errorf("%w: station %d slot %d", ErrInvalidRequest, req.StationID, req.Slot)
	}
	if req.OrderID == "" {
		req.OrderID = newOrderID()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.borrowTimeout
	}

	now := c.now()
	op := &operation{
		id:          req.OrderID,
		kind:        KindBorrow,
		stationID:   req.StationID,
		slot:        req.Slot,
		userID:      req.UserID,
		powerbankID: req.PowerbankID,
		createdAt:   now,
		deadline:    now.Add(timeout),
		done:        make(chan struct{}),
	}
	key := slotKey{req.StationID, req.Slot}

	c.mu.Lock()
	if _, ok := c.ops[op.id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, op.id)
	}
	if busy, ok := c.borrows[key]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: station %d slot %d (order %s)", ErrSlotBusy, req.StationID, req.Slot, busy)
	}
	c.ops[op.id] = op
	c.borrows[key] = op.id
	op.timer = time.AfterFunc(timeout, func() { c.expire(op.id) })
	c.mu.Unlock()

	c.logger.Info("borrow pending",
		zap.String("order_id", op.id),
		zap.Int64("station_id", op.stationID),
		zap.Uint8("slot", op.slot),
		zap.Duration("timeout", timeout))

	packetHex, err := c.sender.SendBorrow(ctx, req.StationID, req.Slot)
	if err != nil {
		c.logger.Warn("borrow send failed",
			zap.String("order_id", op.id),
			zap.Int64("station_id", op.stationID),
			zap.Error(err))
		c.resolve(op.id, func(o *Outcome) {
			o.State = StateFailed
			o.Reason = ReasonForError(err)
		})
		return &Waiter{op: op, c: c}, nil
	}

	c.mu.Lock()
	op.packetHex = packetHex
	c.mu.Unlock()
	return &Waiter{op: op, c: c}, nil
}

// HandleBorrowResponse resolves the borrow pending on (stationID, resp.Slot). It reports false
// when nothing was waiting, e.g. the operation already timed out.
func (c *Correlator) HandleBorrowResponse(stationID int64, resp protocol.BorrowResponse) (Outcome, bool) {
	c.mu.Lock()
	id, ok := c.borrows[slotKey{stationID, resp.Slot}]
	c.mu.Unlock()
	if !ok {
		c.logger.Info("borrow response without pending operation",
			zap.Int64("station_id", stationID),
			zap.Uint8("slot", resp.Slot),
			zap.Uint8("result", resp.Result),
			zap.Stringer("terminal_id", resp.TerminalID))
		return Outcome{}, false
	}

	return c.resolve(id, func(o *Outcome) {
		r := resp
		o.Borrow = &r
		o.TerminalID = resp.TerminalID
		o.State, o.Reason = classifyBorrow(resp)
	})
}

func classifyBorrow(resp protocol.BorrowResponse) (State, string) {
	switch {
	case resp.Result == protocol.ResultSuccess:
		return StateSucceeded, ""
	case resp.SlotLocked:
		return StateFailed, ReasonSlotLocked
	case resp.TerminalID.IsZero():
		return StateFailed, ReasonSlotEmpty
	default:
		return StateFailed, ReasonDeviceError
	}
}

// ExpectReturn registers a return intent for a station. The slot is learned when the insertion
// event arrives.
func (c *Correlator) ExpectReturn(ctx context.Context, intent ReturnIntent) (*Waiter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if intent.StationID <= 0 {
		return nil, fmt.Errorf("%w: station %d", ErrInvalidRequest, intent.StationID)
	}
	if intent.OrderID == "" {
		intent.OrderID = newOrderID()
	}
	window := intent.Window
	if window <= 0 {
		window = c.returnWindow
	}

	now := c.now()
	op := &operation{
		id:          intent.OrderID,
		kind:        KindReturn,
		stationID:   intent.StationID,
		userID:      intent.UserID,
		powerbankID: intent.PowerbankID,
		terminal:    intent.TerminalID,
		createdAt:   now,
		deadline:    now.Add(window),
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	if _, ok := c.ops[op.id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, op.id)
	}
	c.ops[op.id] = op
	c.returns[op.stationID] = append(c.returns[op.stationID], op.id)
	op.timer = time.AfterFunc(window, func() { c.expire(op.id) })
	c.mu.Unlock()

	c.logger.Info("return intent registered",
		zap.String("order_id", op.id),
		zap.Int64("station_id", op.stationID),
		zap.Int64("user_id", op.userID),
		zap.Duration("window", window))
	return &Waiter{op: op, c: c}, nil
}

// HandleInsertion matches an insertion event against the station's return intents: an intent
// declaring the inserted terminal id wins, otherwise the oldest intent without a declared id.
// It reports false for an orphan event.
func (c *Correlator) HandleInsertion(stationID int64, ev protocol.ReturnEvent) (Outcome, bool) {
	c.mu.Lock()
	id := c.matchReturnLocked(stationID, ev.TerminalID)
	c.mu.Unlock()
	if id == "" {
		c.logger.Info("orphan insertion event",
			zap.Int64("station_id", stationID),
			zap.Uint8("slot", ev.Slot),
			zap.Stringer("terminal_id", ev.TerminalID))
		return Outcome{}, false
	}

	return c.resolve(id, func(o *Outcome) {
		e := ev
		o.Return = &e
		o.Slot = ev.Slot
		o.TerminalID = ev.TerminalID
		o.State = StateSucceeded
	})
}

func (c *Correlator) matchReturnLocked(stationID int64, terminal protocol.TerminalID) string {
	ids := c.returns[stationID]
	if !terminal.IsZero() {
		for _, id := range ids {
			if op := c.ops[id]; op != nil && op.terminal == terminal {
				return id
			}
		}
	}
	for _, id := range ids {
		if op := c.ops[id]; op != nil && op.terminal.IsZero() {
			return id
		}
	}
	return ""
}

// FailStation resolves every borrow and return intent pending for stationID as failed.
func (c *Correlator) FailStation(stationID int64, reason string) int {
	c.mu.Lock()
	var ids []string
	for key, id := range c.borrows {
		if key.stationID == stationID {
			ids = append(ids, id)
		}
	}
	ids = append(ids, c.returns[stationID]...)
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := c.resolve(id, func(o *Outcome) {
			o.State = StateFailed
			o.Reason = reason
		}); ok {
			n++
		}
	}
	if n > 0 {
		c.logger.Warn("failed pending operations for station",
			zap.Int64("station_id", stationID),
			zap.String("reason", reason),
			zap.Int("count", n))
	}
	return n
}

// FailAll resolves every pending operation as failed.
func (c *Correlator) FailAll(reason string) int {
	n := 0
	for _, o := range c.Pending() {
		if _, ok := c.resolve(o.OrderID, func(out *Outcome) {
			out.State = StateFailed
			out.Reason = reason
		}); ok {
			n++
		}
	}
	return n
}

// Cancel resolves an operation as cancelled. It reports false when the order is not pending.
func (c *Correlator) Cancel(orderID string) bool {
	_, ok := c.resolve(orderID, func(o *Outcome) {
		o.State = StateFailed
		o.Reason = ReasonCancelled
	})
	return ok
}

// CancelExpired cancels operations created more than olderThan ago. Zero cancels everything.
func (c *Correlator) CancelExpired(olderThan time.Duration) int {
	cutoff := c.now().Add(-olderThan)
	n := 0
	for _, o := range c.Pending() {
		if olderThan > 0 && !o.CreatedAt.Before(cutoff) {
			continue
		}
		if c.Cancel(o.OrderID) {
			n++
		}
	}
	return n
}

// BusySlots returns the slots of stationID that have a borrow in flight.
func (c *Correlator) BusySlots(stationID int64) map[int]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	busy := make(map[int]bool)
	for key := range c.borrows {
		if key.stationID == stationID {
			busy[int(key.slot)] = true
		}
	}
	return busy
}

// Pending lists unresolved operations, oldest first.
func (c *Correlator) Pending() []Outcome {
	c.mu.Lock()
	out := make([]Outcome, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op.pendingOutcome())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a pending operation.
func (c *Correlator) Get(orderID string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[orderID]
	if !ok {
		return Outcome{}, false
	}
	return op.pendingOutcome(), true
}

func (c *Correlator) expire(id string) {
	out, ok := c.resolve(id, func(o *Outcome) {
		o.State = StateTimedOut
		o.Reason = ReasonTimedOut
	})
	if ok {
		c.logger.Warn("operation timed out",
			zap.String("order_id", id),
			zap.String("kind", string(out.Kind)),
			zap.Int64("station_id", out.StationID),
			zap.Uint8("slot", out.Slot))
	}
}

// resolve removes the operation from every index and completes it. Only the caller that removed
// the operation from c.ops gets to complete it.
func (c *Correlator) resolve(id string, apply func(*Outcome)) (Outcome, bool) {
	c.mu.Lock()
	op := c.takeLocked(id)
	if op == nil {
		c.mu.Unlock()
		return Outcome{}, false
	}
	out := op.pendingOutcome()
	hooks := append([]ResolveHook(nil), c.hooks...)
	c.mu.Unlock()

	if op.timer != nil {
		op.timer.Stop()
	}
	apply(&out)
	out.ResolvedAt = c.now()
	op.outcome = out
	close(op.done)

	c.logger.Info("operation resolved",
		zap.String("order_id", out.OrderID),
		zap.String("kind", string(out.Kind)),
		zap.String("state", string(out.State)),
		zap.String("reason", out.Reason),
		zap.Int64("station_id", out.StationID),
		zap.Uint8("slot", out.Slot))

	for _, hook := range hooks {
		go hook(out)
	}
	return out, true
}

func (c *Correlator) takeLocked(id string) *operation {
	op, ok := c.ops[id]
	if !ok {
		return nil
	}
	delete(c.ops, id)
	switch op.kind {
	case KindBorrow:
		key := slotKey{op.stationID, op.slot}
		if c.borrows[key] == id {
			delete(c.borrows, key)
		}
	case KindReturn:
		ids := c.returns[op.stationID]
		for i, other := range ids {
			if other == id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(c.returns, op.stationID)
		} else {
			c.returns[op.stationID] = ids
		}
	}
	return op
}

// ReasonForError maps connectivity errors to user-facing reasons.
func ReasonForError(err error) string {
	switch {
	case errors.Is(err, registry.ErrStationNotConnected):
		return ReasonStationOffline
	case errors.Is(err, registry.ErrNoSecretKey):
		return ReasonNoSecretKey
	case errors.Is(err, registry.ErrTransportClosed):
		return ReasonTransportClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonDeviceError
	}
}
