package handlers

import (
	"context"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// NewReturnHandler acknowledges an insertion with the result code decided by the rental service.
func NewReturnHandler(d Deps) HandlerFunc {
	return func(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		ev, err := protocol.ParseReturnEvent(frame.Payload)
		if err != nil {
			return nil, err
		}
		result := d.Returns.HandleInsertion(ctx, conn, ev)
		return &Reply{
			Payload: protocol.ReturnResponse{Event: ev, Result: result}.Bytes(),
			After:   refreshInventory(d, conn),
		}, nil
	}
}
