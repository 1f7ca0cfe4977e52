// Package handlers answers frames initiated by stations and applies responses to commands the
// server sent earlier.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/inventory"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/repository"
)

var (
	// ErrLoginRejected means the socket must be closed.
	ErrLoginRejected     = errors.New("login rejected")
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
)

// Reply is the answer to an inbound frame. Payload, possibly empty, is encoded with the
// request's VSN and written before After runs.
type Reply struct {
	Payload []byte
	After   func()
}

// HandlerFunc processes one authenticated frame. A nil reply means nothing is written back.
type HandlerFunc func(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error)

// Commands is the outbound side the handlers talk to.
type Commands interface {
	Deliver(conn *registry.StationConnection, frame protocol.Frame) bool
	RequestInventory(conn *registry.StationConnection) error
	RequestICCID(conn *registry.StationConnection) error
}

// BorrowResolver settles pending borrow operations.
type BorrowResolver interface {
	HandleBorrowResponse(stationID int64, resp protocol.BorrowResponse) (correlator.Outcome, bool)
}

// ReturnHandler decides the result code of an insertion event.
type ReturnHandler interface {
	HandleInsertion(ctx context.Context, conn *registry.StationConnection, ev protocol.ReturnEvent) uint8
}

// Publisher accepts notifications.
type Publisher interface {
	Publish(ev notify.Event)
}

// Deps wires the handlers. Publisher may be nil.
type Deps struct {
	Registry   *registry.Registry
	Stations   repository.StationStore
	Powerbanks repository.PowerbankStore
	Slots      repository.SlotStore
	Events     repository.EventStore
	Commands   Commands
	Borrows    BorrowResolver
	Returns    ReturnHandler
	Mirror     *inventory.Mirror
	Publisher  Publisher
	Now        func() time.Time
	Logger     *zap.Logger
}

// Router dispatches frames by opcode.
type Router struct {
	login, heartbeat, inventory, borrow, insertion HandlerFunc
	forceEject, iccid, serverAddress, voiceVolume  HandlerFunc
	ack, slotAbnormal                              HandlerFunc
}

// NewRouter builds every handler from deps.
func NewRouter(d Deps) *Router {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("handlers")
	return &Router{
		login:         NewLoginHandler(d),
		heartbeat:     NewHeartbeatHandler(d),
		inventory:     NewInventoryHandler(d),
		borrow:        NewBorrowHandler(d),
		insertion:     NewReturnHandler(d),
		forceEject:    NewForceEjectHandler(d),
		iccid:         NewICCIDHandler(d),
		serverAddress: NewServerAddressHandler(d),
		voiceVolume:   NewVoiceVolumeHandler(d),
		ack:           NewAckHandler(d),
		slotAbnormal:  NewSlotAbnormalHandler(d),
	}
}

// Route executes the handler for frame.
func (r *Router) Route(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
	switch frame.Opcode {
	case protocol.OpLogin:
		return r.login(ctx, conn, frame)
	case protocol.OpHeartbeat:
		return r.heartbeat(ctx, conn, frame)
	case protocol.OpQueryInventory:
		return r.inventory(ctx, conn, frame)
	case protocol.OpBorrow:
		return r.borrow(ctx, conn, frame)
	case protocol.OpReturn:
		return r.insertion(ctx, conn, frame)
	case protocol.OpForceEject:
		return r.forceEject(ctx, conn, frame)
	case protocol.OpQueryICCID:
		return r.iccid(ctx, conn, frame)
	case protocol.OpQueryServerAddress:
		return r.serverAddress(ctx, conn, frame)
	case protocol.OpQueryVoiceVolume:
		return r.voiceVolume(ctx, conn, frame)
	case protocol.OpSetServerAddress, protocol.OpSetVoiceVolume, protocol.OpRestart:
		return r.ack(ctx, conn, frame)
	case protocol.OpSlotAbnormal:
		return r.slotAbnormal(ctx, conn, frame)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOpcode, frame.Opcode)
	}
}

func stationFields(conn *registry.StationConnection) []zap.Field {
	return []zap.Field{
		zap.Int64("station_id", conn.StationID()),
		zap.String("box_id", conn.BoxID()),
		zap.String("conn", conn.Key()),
	}
}

func refreshInventory(d Deps, conn *registry.StationConnection) func() {
	return func() {
		if err := d.Commands.RequestInventory(conn); err != nil {
			d.Logger.Debug("inventory refresh not sent", append(stationFields(conn), zap.Error(err))...)
		}
	}
}
