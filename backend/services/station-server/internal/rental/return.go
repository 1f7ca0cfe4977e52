package rental

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/repository"
)

// ExpectReturn registers a return intent and waits for the matching insertion.
func (s *Service) ExpectReturn(ctx context.Context, in ReturnInput) (correlator.Outcome, error) {
	if err := validateUser(in.UserID); err != nil {
		return correlator.Outcome{}, err
	}
	if in.StationID <= 0 {
		return correlator.Outcome{}, fmt.Errorf("%w: station id is required", ErrInvalidInput)
	}
	var tid protocol.TerminalID
	if in.TerminalID != "" {
		parsed, err := protocol.ParseTerminalID(in.TerminalID)
		if err != nil {
			return correlator.Outcome{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		tid = parsed
	}
	window := in.Window
	if window <= 0 {
		window = s.cfg.ReturnWindow
	}

	waiter, err := s.corr.ExpectReturn(ctx, correlator.ReturnIntent{
		OrderID:     trimOrder(in.OrderID),
		StationID:   in.StationID,
		UserID:      in.UserID,
		PowerbankID: in.PowerbankID,
		TerminalID:  tid,
		Window:      window,
	})
	if err != nil {
		return correlator.Outcome{}, err
	}
	outcome, err := waiter.Wait(ctx)
	if err != nil {
		return outcome, err
	}
	s.observe(outcome)
	if !outcome.Succeeded() {
		s.publish(notify.Event{
			Type:      notify.TypeReturn,
			Reason:    outcome.Reason,
			StationID: outcome.StationID,
			OrderID:   outcome.OrderID,
			UserID:    outcome.UserID,
		})
	}
	return outcome, nil
}

// HandleInsertion validates an inserted unit, books it into the slot and settles any matching
// return intent. The returned code is echoed to the cabinet.
func (s *Service) HandleInsertion(ctx context.Context, conn *registry.StationConnection, ev protocol.ReturnEvent) uint8 {
	stationID := conn.StationID()
	slot := int(ev.Slot)
	log := s.logger.With(
		zap.Int64("station_id", stationID),
		zap.Int("slot", slot),
		zap.String("terminal_id", ev.TerminalID.String()))

	if ev.TerminalID.IsZero() {
		log.Warn("insertion without terminal id")
		return protocol.ReturnResultUnknownBank
	}
	pb, err := s.powerbanks.BySerial(ctx, ev.TerminalID.String())
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("unknown power bank inserted")
		return protocol.ReturnResultUnknownBank
	}
	if err != nil {
		log.Error("failed to load power bank", zap.Error(err))
		return protocol.ReturnResultFailure
	}
	if pb.Status != models.PowerbankActive {
		log.Warn("inserted power bank is not active", zap.String("status", pb.Status))
		return protocol.ReturnResultStatusError
	}

	existing, err := s.slots.BySlot(ctx, stationID, slot)
	alreadyHere := false
	switch {
	case err == nil && existing.PowerbankID != pb.ID:
		log.Warn("slot already holds another power bank", zap.Int64("occupant", existing.PowerbankID))
		return protocol.ReturnResultSlotOccupied
	case err == nil:
		alreadyHere = true
	case !errors.Is(err, repository.ErrNotFound):
		log.Error("failed to load slot", zap.Error(err))
		return protocol.ReturnResultFailure
	}

	err = s.slots.Put(ctx, models.SlotOccupancy{
		StationID:   stationID,
		Slot:        slot,
		PowerbankID: pb.ID,
		Level:       int(ev.Level),
		Voltage:     int(ev.Voltage),
		Temperature: int(ev.Temperature),
	})
	if err != nil {
		log.Error("failed to store slot occupancy", zap.Error(err))
		return protocol.ReturnResultFailure
	}
	if !alreadyHere {
		if err := s.stations.AdjustRemainNum(ctx, stationID, 1); err != nil {
			log.Warn("failed to increment remain count", zap.Error(err))
		}
	}
	if err := s.powerbanks.UpdateSOH(ctx, pb.ID, int(ev.SOH)); err != nil {
		log.Debug("failed to update soh", zap.Error(err))
	}

	var order models.Order
	closed, err := s.orders.CloseActiveBorrow(ctx, pb.ID, s.cfg.Now())
	switch {
	case err == nil:
		order = closed
	case errors.Is(err, repository.ErrNotFound):
		log.Info("no open borrow for returned power bank", zap.Int64("powerbank_id", pb.ID))
	default:
		log.Error("failed to close borrow order", zap.Error(err))
	}

	s.mirror.InsertSlot(stationID, ev)

	note := notify.Event{
		Type:       notify.TypeReturn,
		Success:    true,
		StationID:  stationID,
		Slot:       slot,
		OrderID:    order.OrderUUID,
		UserID:     order.UserID,
		TerminalID: ev.TerminalID.String(),
	}
	if outcome, ok := s.corr.HandleInsertion(stationID, ev); ok {
		note.OrderID = outcome.OrderID
		if outcome.UserID != 0 {
			note.UserID = outcome.UserID
		}
	}
	s.publish(note)

	log.Info("power bank returned", zap.Int64("powerbank_id", pb.ID), zap.Int64("user_id", note.UserID))
	return protocol.ReturnResultSuccess
}
