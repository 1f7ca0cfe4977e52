package models

import "time"

// Power bank statuses.
const (
	PowerbankActive  = "active"
	PowerbankUnknown = "unknown"
	PowerbankBroken  = "broken"
)

// Order statuses.
const (
	OrderBorrowed = "borrow"
	OrderReturned = "return"
)

// Powerbank is a rentable battery unit.
type Powerbank struct {
	ID        int64     `db:"id" json:"id"`
	Serial    string    `db:"serial_number" json:"serial"`
	SOH       int       `db:"soh" json:"soh"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SlotOccupancy maps a power bank to the bay holding it.
type SlotOccupancy struct {
	StationID   int64     `db:"station_id" json:"station_id"`
	Slot        int       `db:"slot_number" json:"slot"`
	PowerbankID int64     `db:"powerbank_id" json:"powerbank_id"`
	Level       int       `db:"level" json:"level"`
	Voltage     int       `db:"voltage" json:"voltage"`
	Temperature int       `db:"temperature" json:"temperature"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Order is a rental record.
type Order struct {
	ID          int64      `db:"id" json:"id"`
	OrderUUID   string     `db:"order_uuid" json:"order_id"`
	StationID   int64      `db:"station_id" json:"station_id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	PowerbankID int64      `db:"powerbank_id" json:"powerbank_id"`
	Status      string     `db:"status" json:"status"`
	Timestamp   time.Time  `db:"timestamp" json:"timestamp"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// AbnormalReport records a slot fault reported by a cabinet.
type AbnormalReport struct {
	StationID  int64     `db:"station_id" json:"station_id"`
	Slot       int       `db:"slot_number" json:"slot"`
	TerminalID string    `db:"terminal_id" json:"terminal_id"`
	EventCode  int       `db:"event_code" json:"event_code"`
	EventText  string    `db:"event_text" json:"event_text"`
	ReportedAt time.Time `db:"reported_at" json:"reported_at"`
}

// PacketLog is one frame as seen on the wire.
type PacketLog struct {
	StationID *int64    `db:"station_id" json:"station_id,omitempty"`
	ConnKey   string    `db:"conn_key" json:"conn"`
	Direction string    `db:"direction" json:"direction"`
	Opcode    int       `db:"opcode" json:"opcode"`
	Seq       int       `db:"seq" json:"seq"`
	Packet    string    `db:"packet_hex" json:"packet"`
	Error     string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
