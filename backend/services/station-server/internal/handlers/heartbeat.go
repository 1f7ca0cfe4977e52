package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// NewHeartbeatHandler returns an empty ack. The dispatcher already refreshed the registry.
func NewHeartbeatHandler(d Deps) HandlerFunc {
	return func(ctx context.Context, conn *registry.StationConnection, _ protocol.Frame) (*Reply, error) {
		if err := d.Stations.UpdateLastSeen(ctx, conn.StationID(), d.Now()); err != nil {
			d.Logger.Debug("failed to update last seen", append(stationFields(conn), zap.Error(err))...)
		}
		return &Reply{}, nil
	}
}
