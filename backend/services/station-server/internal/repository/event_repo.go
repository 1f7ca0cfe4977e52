package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
)

// EventRepository stores raw frames and slot fault reports.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository ctor.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// SavePacket stores log entry.
func (r *EventRepository) SavePacket(ctx context.Context, entry models.PacketLog) error {
	const query = `
		INSERT INTO station_packets (station_id, conn_key, direction, opcode, seq, packet_hex, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`
	_, err := r.pool.Exec(ctx, query,
		entry.StationID, entry.ConnKey, entry.Direction, entry.Opcode, entry.Seq, entry.Packet, entry.Error, entry.CreatedAt)
	return err
}

// SaveAbnormalReport stores a slot fault report.
func (r *EventRepository) SaveAbnormalReport(ctx context.Context, report models.AbnormalReport) error {
	const query = `
		INSERT INTO slot_abnormal_reports (station_id, slot_number, terminal_id, event_code, event_text, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		report.StationID, report.Slot, report.TerminalID, report.EventCode, report.EventText, report.ReportedAt)
	return err
}
