package rental

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/repository"
)

// Borrow ejects a unit and waits for the station's answer. A resolved operation is returned with
// a nil error whatever its state; errors mean the operation never started or the caller gave up.
func (s *Service) Borrow(ctx context.Context, in BorrowInput) (correlator.Outcome, error) {
	if err := validateUser(in.UserID); err != nil {
		return correlator.Outcome{}, err
	}
	waiter, err := s.start(ctx, in)
	if err != nil {
		return correlator.Outcome{}, err
	}

	outcome, err := waiter.Wait(ctx)
	if err != nil {
		return outcome, err
	}
	s.observe(outcome)

	// the eject already happened, so bookkeeping must not die with the caller's request
	if outcome.Succeeded() {
		s.completeBorrow(context.WithoutCancel(ctx), &outcome)
	}
	s.publish(notify.Event{
		Type:       notify.TypeBorrow,
		Success:    outcome.Succeeded(),
		Reason:     outcome.Reason,
		StationID:  outcome.StationID,
		Slot:       int(outcome.Slot),
		OrderID:    outcome.OrderID,
		UserID:     outcome.UserID,
		TerminalID: outcome.Terminal(),
	})
	return outcome, nil
}

// BorrowPowerbank borrows a specific unit wherever it is docked.
func (s *Service) BorrowPowerbank(ctx context.Context, powerbankID, userID int64) (correlator.Outcome, error) {
	if powerbankID <= 0 {
		return correlator.Outcome{}, fmt.Errorf("%w: power bank id is required", ErrInvalidInput)
	}
	return s.Borrow(ctx, BorrowInput{PowerbankID: powerbankID, UserID: userID})
}

// start resolves the slot and registers the borrow. An automatically picked slot that another
// borrow claimed in the meantime is skipped and the next best one is tried.
func (s *Service) start(ctx context.Context, in BorrowInput) (*correlator.Waiter, error) {
	auto := in.Slot == 0 && in.PowerbankID == 0
	skip := make(map[int]bool)
	for {
		req := in
		if err := s.resolveSlot(ctx, &req, skip); err != nil {
			return nil, err
		}
		waiter, err := s.corr.Borrow(ctx, correlator.BorrowRequest{
			OrderID:     trimOrder(req.OrderID),
			StationID:   req.StationID,
			Slot:        uint8(req.Slot),
			UserID:      req.UserID,
			PowerbankID: req.PowerbankID,
			Timeout:     s.cfg.BorrowTimeout,
		})
		if auto && errors.Is(err, correlator.ErrSlotBusy) {
			skip[req.Slot] = true
			continue
		}
		return waiter, err
	}
}

func (s *Service) resolveSlot(ctx context.Context, in *BorrowInput, skip map[int]bool) error {
	if in.Slot < 0 || in.Slot > 255 {
		return fmt.Errorf("%w: slot %d", ErrInvalidInput, in.Slot)
	}
	switch {
	case in.Slot > 0:
		if in.StationID <= 0 {
			return fmt.Errorf("%w: station id is required", ErrInvalidInput)
		}
		if in.PowerbankID == 0 {
			if occ, err := s.slots.BySlot(ctx, in.StationID, in.Slot); err == nil {
				in.PowerbankID = occ.PowerbankID
			}
		}
		return nil
	case in.PowerbankID > 0:
		occ, err := s.slots.ByPowerbank(ctx, in.PowerbankID)
		if errors.Is(err, repository.ErrNotFound) {
			return s.findDocked(ctx, in)
		}
		if err != nil {
			return err
		}
		if in.StationID > 0 && in.StationID != occ.StationID {
			return fmt.Errorf("%w: power bank %d is at station %d", ErrPowerbankNotDocked, in.PowerbankID, occ.StationID)
		}
		in.StationID, in.Slot = occ.StationID, occ.Slot
		return nil
	default:
		if in.StationID <= 0 {
			return fmt.Errorf("%w: station id is required", ErrInvalidInput)
		}
		exclude := s.corr.BusySlots(in.StationID)
		for slot := range skip {
			exclude[slot] = true
		}
		slot, ok := s.mirror.SelectSlot(in.StationID, s.cfg.MinLevel, exclude)
		if !ok {
			return fmt.Errorf("%w: station %d", ErrNoSlotAvailable, in.StationID)
		}
		in.Slot = slot.Slot
		if pb, err := s.powerbanks.BySerial(ctx, slot.TerminalID); err == nil {
			in.PowerbankID = pb.ID
		}
		return nil
	}
}

// findDocked falls back to the station's mirrored inventory when storage has no occupancy row
// for the unit.
func (s *Service) findDocked(ctx context.Context, in *BorrowInput) error {
	notDocked := fmt.Errorf("%w: power bank %d", ErrPowerbankNotDocked, in.PowerbankID)
	if in.StationID <= 0 {
		return notDocked
	}
	pb, err := s.powerbanks.ByID(ctx, in.PowerbankID)
	if errors.Is(err, repository.ErrNotFound) {
		return notDocked
	}
	if err != nil {
		return err
	}
	slot, ok := s.mirror.FindTerminal(in.StationID, pb.Serial)
	if !ok {
		return notDocked
	}
	in.Slot = slot.Slot
	return nil
}

func (s *Service) completeBorrow(ctx context.Context, o *correlator.Outcome) {
	log := s.logger.With(
		zap.String("order_id", o.OrderID),
		zap.Int64("station_id", o.StationID),
		zap.Uint8("slot", o.Slot))

	if tid := o.Terminal(); tid != "" {
		if pb, err := s.powerbanks.BySerial(ctx, tid); err == nil {
			o.PowerbankID = pb.ID
		} else if !errors.Is(err, repository.ErrNotFound) {
			log.Warn("failed to look up ejected power bank", zap.String("terminal_id", tid), zap.Error(err))
		}
	}

	if o.PowerbankID > 0 {
		_, err := s.orders.CreateBorrow(ctx, models.Order{
			OrderUUID:   o.OrderID,
			StationID:   o.StationID,
			UserID:      o.UserID,
			PowerbankID: o.PowerbankID,
			Timestamp:   o.ResolvedAt.UTC(),
		})
		if err != nil {
			log.Error("failed to create borrow order", zap.Error(err))
		}
	} else {
		log.Warn("borrowed power bank is not registered, order not created", zap.String("terminal_id", o.Terminal()))
	}

	if err := s.slots.Remove(ctx, o.StationID, int(o.Slot)); err != nil {
		log.Warn("failed to clear slot occupancy", zap.Error(err))
	}
	if err := s.stations.AdjustRemainNum(ctx, o.StationID, -1); err != nil {
		log.Warn("failed to decrement remain count", zap.Error(err))
	}
	s.mirror.RemoveSlot(o.StationID, int(o.Slot))
	log.Info("power bank borrowed", zap.Int64("user_id", o.UserID), zap.Int64("powerbank_id", o.PowerbankID))
}
