package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// NewForceEjectHandler clears the bay in the mirror when the eject worked.
func NewForceEjectHandler(d Deps) HandlerFunc {
	return func(_ context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		resp, err := protocol.ParseForceEjectResponse(frame.Payload)
		if err != nil {
			return nil, err
		}
		if resp.Result == protocol.ResultSuccess {
			d.Mirror.RemoveSlot(conn.StationID(), int(resp.Slot))
		}
		d.Commands.Deliver(conn, frame)
		refreshInventory(d, conn)()
		return nil, nil
	}
}

// NewICCIDHandler caches and stores the SIM ICCID.
func NewICCIDHandler(d Deps) HandlerFunc {
	return func(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		iccid, err := protocol.ParseICCIDResponse(frame.Payload)
		if err != nil {
			return nil, err
		}
		conn.SetICCID(iccid, d.Now())
		if iccid != "" {
			if err := d.Stations.UpdateICCID(ctx, conn.StationID(), iccid); err != nil {
				d.Logger.Warn("failed to store iccid", append(stationFields(conn), zap.Error(err))...)
			}
		}
		d.Commands.Deliver(conn, frame)
		return nil, nil
	}
}

// NewServerAddressHandler caches the configured endpoint.
func NewServerAddressHandler(d Deps) HandlerFunc {
	return func(_ context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		addr, err := protocol.ParseServerAddress(frame.Payload)
		if err != nil {
			return nil, err
		}
		conn.SetServerAddress(addr, d.Now())
		d.Commands.Deliver(conn, frame)
		return nil, nil
	}
}

// NewVoiceVolumeHandler caches the speaker level.
func NewVoiceVolumeHandler(d Deps) HandlerFunc {
	return func(_ context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		level, err := protocol.ParseVoiceVolume(frame.Payload)
		if err != nil {
			return nil, err
		}
		conn.SetVoiceVolume(level, d.Now())
		d.Commands.Deliver(conn, frame)
		return nil, nil
	}
}

// NewAckHandler passes empty acknowledgements (set address, set volume, restart) to waiters.
func NewAckHandler(d Deps) HandlerFunc {
	return func(_ context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		if !d.Commands.Deliver(conn, frame) {
			d.Logger.Debug("unsolicited ack", append(stationFields(conn), zap.Stringer("opcode", frame.Opcode))...)
		}
		return nil, nil
	}
}
