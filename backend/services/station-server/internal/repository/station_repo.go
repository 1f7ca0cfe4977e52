package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
)

// StationRepository manages cabinet persistence.
type StationRepository struct {
	pool *pgxpool.Pool
}

// NewStationRepository returns repository.
func NewStationRepository(pool *pgxpool.Pool) *StationRepository {
	return &StationRepository{pool: pool}
}

const stationColumns = `
	id, box_id, slots_declared, remain_num, secret_key, status,
	COALESCE(iccid, ''), COALESCE(last_seen, created_at), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStation(row rowScanner) (models.Station, error) {
	var s models.Station
	err := row.Scan(&s.ID, &s.BoxID, &s.SlotsNum, &s.RemainNum, &s.SecretKey, &s.Status,
		&s.ICCID, &s.LastSeen, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return models.Station{}, notFound(err)
	}
	return s, nil
}

// ByBoxID loads station by device serial.
func (r *StationRepository) ByBoxID(ctx context.Context, boxID string) (models.Station, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+stationColumns+` FROM stations WHERE box_id = $1`, boxID)
	return scanStation(row)
}

// ByID loads station by id.
func (r *StationRepository) ByID(ctx context.Context, id int64) (models.Station, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+stationColumns+` FROM stations WHERE id = $1`, id)
	return scanStation(row)
}

// CreatePending registers an unknown box id so an operator can assign it a secret.
func (r *StationRepository) CreatePending(ctx context.Context, boxID string, slots int) (models.Station, error) {
	boxID = strings.TrimSpace(boxID)
	if boxID == "" {
		return models.Station{}, fmt.Errorf("box id is required")
	}
	const query = `
		INSERT INTO stations (box_id, slots_declared, remain_num, secret_key, status, last_seen, created_at, updated_at)
		VALUES ($1, $2, 0, '', $3, NOW(), NOW(), NOW())
		ON CONFLICT (box_id) DO UPDATE SET last_seen = NOW()
		RETURNING ` + stationColumns
	return scanStation(r.pool.QueryRow(ctx, query, boxID, slots, models.StationPending))
}

// UpdateStatus changes station status.
func (r *StationRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.exec(ctx, `UPDATE stations SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

// UpdateLastSeen stores the time of the latest frame.
func (r *StationRepository) UpdateLastSeen(ctx context.Context, id int64, ts time.Time) error {
	return r.exec(ctx, `UPDATE stations SET last_seen = $2 WHERE id = $1`, id, ts.UTC())
}

// UpdateRemainNum stores the number of units present as reported by the station.
func (r *StationRepository) UpdateRemainNum(ctx context.Context, id int64, remain int) error {
	return r.exec(ctx, `UPDATE stations SET remain_num = $2, updated_at = NOW() WHERE id = $1`, id, remain)
}

// AdjustRemainNum applies a delta, never going below zero.
func (r *StationRepository) AdjustRemainNum(ctx context.Context, id int64, delta int) error {
	return r.exec(ctx, `UPDATE stations SET remain_num = GREATEST(remain_num + $2, 0), updated_at = NOW() WHERE id = $1`, id, delta)
}

// UpdateICCID stores the SIM ICCID.
func (r *StationRepository) UpdateICCID(ctx context.Context, id int64, iccid string) error {
	return r.exec(ctx, `UPDATE stations SET iccid = $2, updated_at = NOW() WHERE id = $1`, id, iccid)
}

// MarkAllInactive flips every active station to inactive, used at startup and shutdown.
func (r *StationRepository) MarkAllInactive(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE stations SET status = $1, updated_at = NOW() WHERE status = $2`,
		models.StationInactive, models.StationActive)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *StationRepository) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
