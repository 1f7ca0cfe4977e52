package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
)

// OrderRepository manages rental orders.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns repository.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, order_uuid, station_id, user_id, powerbank_id, status, timestamp, completed_at`

func scanOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	if err := row.Scan(&o.ID, &o.OrderUUID, &o.StationID, &o.UserID, &o.PowerbankID, &o.Status, &o.Timestamp, &o.CompletedAt); err != nil {
		return models.Order{}, notFound(err)
	}
	return o, nil
}

// CreateBorrow stores a new borrow order.
func (r *OrderRepository) CreateBorrow(ctx context.Context, order models.Order) (models.Order, error) {
	if order.Timestamp.IsZero() {
		order.Timestamp = time.Now().UTC()
	}
	const query = `
		INSERT INTO orders (order_uuid, station_id, user_id, powerbank_id, status, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + orderColumns
	return scanOrder(r.pool.QueryRow(ctx, query,
		order.OrderUUID, order.StationID, order.UserID, order.PowerbankID, models.OrderBorrowed, order.Timestamp))
}

// CloseActiveBorrow completes the newest open borrow of a unit.
func (r *OrderRepository) CloseActiveBorrow(ctx context.Context, powerbankID int64, at time.Time) (models.Order, error) {
	const query = `
		UPDATE orders SET status = $2, completed_at = $3
		WHERE id = (
			SELECT id FROM orders
			WHERE powerbank_id = $1 AND status = $4
			ORDER BY timestamp DESC
			LIMIT 1
		)
		RETURNING ` + orderColumns
	return scanOrder(r.pool.QueryRow(ctx, query, powerbankID, models.OrderReturned, at.UTC(), models.OrderBorrowed))
}
