package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
)

// PowerbankRepository manages power bank records.
type PowerbankRepository struct {
	pool *pgxpool.Pool
}

// NewPowerbankRepository returns repository.
func NewPowerbankRepository(pool *pgxpool.Pool) *PowerbankRepository {
	return &PowerbankRepository{pool: pool}
}

const powerbankColumns = `id, serial_number, soh, status, created_at`

func scanPowerbank(row rowScanner) (models.Powerbank, error) {
	var p models.Powerbank
	if err := row.Scan(&p.ID, &p.Serial, &p.SOH, &p.Status, &p.CreatedAt); err != nil {
		return models.Powerbank{}, notFound(err)
	}
	return p, nil
}

// BySerial loads power bank by terminal id.
func (r *PowerbankRepository) BySerial(ctx context.Context, serial string) (models.Powerbank, error) {
	return scanPowerbank(r.pool.QueryRow(ctx, `SELECT `+powerbankColumns+` FROM powerbanks WHERE serial_number = $1`, serial))
}

// ByID loads power bank by id.
func (r *PowerbankRepository) ByID(ctx context.Context, id int64) (models.Powerbank, error) {
	return scanPowerbank(r.pool.QueryRow(ctx, `SELECT `+powerbankColumns+` FROM powerbanks WHERE id = $1`, id))
}

// EnsureSerial returns the power bank for serial, creating an unknown record when none exists.
func (r *PowerbankRepository) EnsureSerial(ctx context.Context, serial string, soh int) (models.Powerbank, error) {
	const query = `
		INSERT INTO powerbanks (serial_number, soh, status, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (serial_number) DO UPDATE SET soh = EXCLUDED.soh
		RETURNING ` + powerbankColumns
	return scanPowerbank(r.pool.QueryRow(ctx, query, serial, soh, models.PowerbankUnknown))
}

// UpdateSOH stores state of health.
func (r *PowerbankRepository) UpdateSOH(ctx context.Context, id int64, soh int) error {
	tag, err := r.pool.Exec(ctx, `UPDATE powerbanks SET soh = $2 WHERE id = $1`, id, soh)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
