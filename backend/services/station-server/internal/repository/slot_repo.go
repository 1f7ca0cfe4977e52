package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
)

// SlotRepository manages station_powerbanks, the bay occupancy table.
type SlotRepository struct {
	pool *pgxpool.Pool
}

// NewSlotRepository returns repository.
func NewSlotRepository(pool *pgxpool.Pool) *SlotRepository {
	return &SlotRepository{pool: pool}
}

const slotColumns = `station_id, slot_number, powerbank_id, level, voltage, temperature, updated_at`

func scanSlot(row rowScanner) (models.SlotOccupancy, error) {
	var s models.SlotOccupancy
	if err := row.Scan(&s.StationID, &s.Slot, &s.PowerbankID, &s.Level, &s.Voltage, &s.Temperature, &s.UpdatedAt); err != nil {
		return models.SlotOccupancy{}, notFound(err)
	}
	return s, nil
}

// BySlot returns the unit in a bay.
func (r *SlotRepository) BySlot(ctx context.Context, stationID int64, slot int) (models.SlotOccupancy, error) {
	return scanSlot(r.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM station_powerbanks WHERE station_id = $1 AND slot_number = $2`, stationID, slot))
}

// ByPowerbank returns the bay holding a unit.
func (r *SlotRepository) ByPowerbank(ctx context.Context, powerbankID int64) (models.SlotOccupancy, error) {
	return scanSlot(r.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM station_powerbanks WHERE powerbank_id = $1`, powerbankID))
}

// Put records a unit in a bay. A unit can only be in one bay, so any older row for it is dropped.
func (r *SlotRepository) Put(ctx context.Context, occ models.SlotOccupancy) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return putSlot(ctx, tx, occ)
	})
}

func putSlot(ctx context.Context, tx pgx.Tx, occ models.SlotOccupancy) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM station_powerbanks WHERE powerbank_id = $1 AND NOT (station_id = $2 AND slot_number = $3)`,
		occ.PowerbankID, occ.StationID, occ.Slot); err != nil {
		return fmt.Errorf("clear previous slot: %w", err)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO station_powerbanks (station_id, slot_number, powerbank_id, level, voltage, temperature, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (station_id, slot_number) DO UPDATE SET
			powerbank_id = EXCLUDED.powerbank_id,
			level = EXCLUDED.level,
			voltage = EXCLUDED.voltage,
			temperature = EXCLUDED.temperature,
			updated_at = NOW()
	`, occ.StationID, occ.Slot, occ.PowerbankID, occ.Level, occ.Voltage, occ.Temperature)
	return err
}

// Remove empties a bay.
func (r *SlotRepository) Remove(ctx context.Context, stationID int64, slot int) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM station_powerbanks WHERE station_id = $1 AND slot_number = $2`, stationID, slot)
	return err
}

// Sync replaces a station's occupancy with the given rows.
func (r *SlotRepository) Sync(ctx context.Context, stationID int64, slots []models.SlotOccupancy) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM station_powerbanks WHERE station_id = $1`, stationID); err != nil {
			return err
		}
		for _, occ := range slots {
			occ.StationID = stationID
			if err := putSlot(ctx, tx, occ); err != nil {
				return fmt.Errorf("slot %d: %w", occ.Slot, err)
			}
		}
		return nil
	})
}
