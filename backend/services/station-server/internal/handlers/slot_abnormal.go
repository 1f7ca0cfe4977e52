package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// NewSlotAbnormalHandler records a bay fault and answers with an empty 0x83.
func NewSlotAbnormalHandler(d Deps) HandlerFunc {
	return func(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		report, err := protocol.ParseSlotAbnormalReport(frame.Payload)
		if err != nil {
			return nil, err
		}
		stationID := conn.StationID()
		text := report.EventText()
		tid := ""
		if !report.TerminalID.IsZero() {
			tid = report.TerminalID.String()
		}

		d.Logger.Warn("slot abnormal",
			append(stationFields(conn),
				zap.Int("slot", int(report.Slot)),
				zap.Uint8("event", report.Event),
				zap.String("event_text", text),
				zap.String("terminal_id", tid))...)

		err = d.Events.SaveAbnormalReport(ctx, models.AbnormalReport{
			StationID:  stationID,
			Slot:       int(report.Slot),
			TerminalID: tid,
			EventCode:  int(report.Event),
			EventText:  text,
			ReportedAt: d.Now().UTC(),
		})
		if err != nil {
			d.Logger.Warn("failed to store abnormal report", append(stationFields(conn), zap.Error(err))...)
		}
		d.Mirror.MarkFault(stationID, int(report.Slot), text)

		if d.Publisher != nil {
			d.Publisher.Publish(notify.Event{
				Type:       notify.TypeSlotAbnormal,
				Reason:     text,
				StationID:  stationID,
				Slot:       int(report.Slot),
				TerminalID: tid,
			})
		}
		return &Reply{}, nil
	}
}
