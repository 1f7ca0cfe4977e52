package models

import "time"

// Station statuses stored in the stations table.
const (
	StationPending  = "pending"
	StationActive   = "active"
	StationInactive = "inactive"
)

// Station represents a power-bank cabinet.
type Station struct {
	ID        int64     `db:"id" json:"id"`
	BoxID     string    `db:"box_id" json:"box_id"`
	SlotsNum  int       `db:"slots_declared" json:"slots_num"`
	RemainNum int       `db:"remain_num" json:"remain_num"`
	SecretKey string    `db:"secret_key" json:"-"`
	Status    string    `db:"status" json:"status"`
	ICCID     string    `db:"iccid" json:"iccid,omitempty"`
	LastSeen  time.Time `db:"last_seen" json:"last_seen"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasSecret reports whether the station can authenticate frames.
func (s Station) HasSecret() bool {
	return s.SecretKey != ""
}
