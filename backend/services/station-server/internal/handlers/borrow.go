package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// NewBorrowHandler hands borrow answers to the correlator. Answers nobody waits for any more
// still mean the bay may have changed, so they trigger an inventory refresh.
func NewBorrowHandler(d Deps) HandlerFunc {
	return func(_ context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		resp, err := protocol.ParseBorrowResponse(frame.Payload)
		if err != nil {
			return nil, err
		}
		outcome, ok := d.Borrows.HandleBorrowResponse(conn.StationID(), resp)
		if !ok {
			d.Logger.Warn("late borrow response",
				append(stationFields(conn),
					zap.Int("slot", int(resp.Slot)),
					zap.Uint8("result", resp.Result),
					zap.String("terminal_id", resp.TerminalID.String()))...)
			refreshInventory(d, conn)()
			return nil, nil
		}
		d.Logger.Info("borrow resolved",
			append(stationFields(conn),
				zap.String("order_id", outcome.OrderID),
				zap.Int("slot", int(resp.Slot)),
				zap.String("state", string(outcome.State)),
				zap.String("reason", outcome.Reason))...)
		return nil, nil
	}
}
