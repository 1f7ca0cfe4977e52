package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repository: not found")

// StationStore is the station persistence used by the engine.
type StationStore interface {
	ByBoxID(ctx context.Context, boxID string) (models.Station, error)
	ByID(ctx context.Context, id int64) (models.Station, error)
	CreatePending(ctx context.Context, boxID string, slots int) (models.Station, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	UpdateLastSeen(ctx context.Context, id int64, ts time.Time) error
	UpdateRemainNum(ctx context.Context, id int64, remain int) error
	AdjustRemainNum(ctx context.Context, id int64, delta int) error
	UpdateICCID(ctx context.Context, id int64, iccid string) error
	MarkAllInactive(ctx context.Context) (int64, error)
}

// PowerbankStore persists power banks.
type PowerbankStore interface {
	BySerial(ctx context.Context, serial string) (models.Powerbank, error)
	ByID(ctx context.Context, id int64) (models.Powerbank, error)
	EnsureSerial(ctx context.Context, serial string, soh int) (models.Powerbank, error)
	UpdateSOH(ctx context.Context, id int64, soh int) error
}

// SlotStore persists station to slot occupancy.
type SlotStore interface {
	BySlot(ctx context.Context, stationID int64, slot int) (models.SlotOccupancy, error)
	ByPowerbank(ctx context.Context, powerbankID int64) (models.SlotOccupancy, error)
	Put(ctx context.Context, occ models.SlotOccupancy) error
	Remove(ctx context.Context, stationID int64, slot int) error
	Sync(ctx context.Context, stationID int64, slots []models.SlotOccupancy) error
}

// OrderStore persists rental orders.
type OrderStore interface {
	CreateBorrow(ctx context.Context, order models.Order) (models.Order, error)
	CloseActiveBorrow(ctx context.Context, powerbankID int64, at time.Time) (models.Order, error)
}

// EventStore persists diagnostics.
type EventStore interface {
	SaveAbnormalReport(ctx context.Context, report models.AbnormalReport) error
	SavePacket(ctx context.Context, entry models.PacketLog) error
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
