package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// NewInventoryHandler applies an inventory answer to the connection cache, the mirror and storage.
func NewInventoryHandler(d Deps) HandlerFunc {
	return func(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		inv, err := protocol.ParseInventoryResponse(frame.Payload)
		if err != nil {
			return nil, err
		}
		stationID := conn.StationID()
		conn.SetInventory(inv, d.Now())
		d.Mirror.ApplyInventory(stationID, inv)

		if err := d.Stations.UpdateRemainNum(ctx, stationID, int(inv.RemainNum)); err != nil {
			d.Logger.Warn("failed to update remain count", append(stationFields(conn), zap.Error(err))...)
		}
		if err := syncSlots(ctx, d, stationID, inv.Slots); err != nil {
			d.Logger.Warn("failed to sync slot occupancy", append(stationFields(conn), zap.Error(err))...)
		}

		d.Commands.Deliver(conn, frame)
		return nil, nil
	}
}

func syncSlots(ctx context.Context, d Deps, stationID int64, records []protocol.SlotRecord) error {
	rows := make([]models.SlotOccupancy, 0, len(records))
	for _, rec := range records {
		if rec.TerminalID.IsZero() {
			continue
		}
		pb, err := d.Powerbanks.EnsureSerial(ctx, rec.TerminalID.String(), int(rec.SOH))
		if err != nil {
			return err
		}
		rows = append(rows, models.SlotOccupancy{
			StationID:   stationID,
			Slot:        int(rec.Slot),
			PowerbankID: pb.ID,
			Level:       int(rec.Level),
			Voltage:     int(rec.Voltage),
			Temperature: int(rec.Temperature),
		})
	}
	return d.Slots.Sync(ctx, stationID, rows)
}
