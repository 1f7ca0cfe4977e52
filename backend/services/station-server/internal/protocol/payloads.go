package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// LoginMagic marks a login payload.
	LoginMagic uint16 = 0xA0A0
	// SlotRecordSize is the wire size of one slot record.
	SlotRecordSize = 17
	// MaxVoiceVolume is the loudest level the cabinet accepts.
	MaxVoiceVolume = 15
	// ResultSuccess is the device result code for a completed action.
	ResultSuccess uint8 = 1
)

// Return result codes sent back to the cabinet after an insertion event.
const (
	ReturnResultFailure      uint8 = 0
	ReturnResultSuccess      uint8 = 1
	ReturnResultStatusError  uint8 = 2
	ReturnResultUnknownBank  uint8 = 4
	ReturnResultSlotOccupied uint8 = 5
)

// SlotStatus is the status byte of a slot record.
type SlotStatus uint8

func (s SlotStatus) Inserted() bool       { return s&0x80 != 0 }
func (s SlotStatus) Locked() bool         { return s&0x40 != 0 }
func (s SlotStatus) PowerBankError() bool { return s&0x20 != 0 }
func (s SlotStatus) ChargingSwitch() bool { return s&0x10 != 0 }
func (s SlotStatus) Charging() bool       { return s&0x08 != 0 }
func (s SlotStatus) TypeCError() bool     { return s&0x04 != 0 }
func (s SlotStatus) LightningError() bool { return s&0x02 != 0 }
func (s SlotStatus) MicroUSBError() bool  { return s&0x01 != 0 }

// Faulty reports any error bit.
func (s SlotStatus) Faulty() bool {
	return s.PowerBankError() || s.TypeCError() || s.LightningError() || s.MicroUSBError()
}

// ReturnStatus is the status byte of an insertion event.
type ReturnStatus uint8

func (s ReturnStatus) Locked() bool         { return s&0x80 != 0 }
func (s ReturnStatus) MicroUSBError() bool  { return s&0x04 != 0 }
func (s ReturnStatus) TypeCError() bool     { return s&0x02 != 0 }
func (s ReturnStatus) LightningError() bool { return s&0x01 != 0 }

// SlotRecord describes one bay as reported by login and inventory frames.
type SlotRecord struct {
	Slot        uint8      `json:"slot"`
	TerminalID  TerminalID `json:"terminal_id"`
	Level       uint8      `json:"level"`
	Voltage     uint16     `json:"voltage"`
	Current     uint16     `json:"current"`
	Temperature int8       `json:"temperature"`
	Status      SlotStatus `json:"status"`
	SOH         uint8      `json:"soh"`
}

func (s SlotRecord) appendTo(b []byte) []byte {
	b = append(b, s.Slot)
	b = append(b, s.TerminalID[:]...)
	b = append(b, s.Level)
	b = binary.BigEndian.AppendUint16(b, s.Voltage)
	b = binary.BigEndian.AppendUint16(b, s.Current)
	b = append(b, byte(s.Temperature), byte(s.Status), s.SOH)
	return b
}

// LoginRequest is sent by a cabinet right after connecting.
type LoginRequest struct {
	Nonce     uint32
	BoxID     string
	Timestamp uint32
	SlotsNum  uint8
	RemainNum uint8
	Slots     []SlotRecord
}

// LoginResponse acknowledges a login.
type LoginResponse struct {
	Nonce     uint32
	Timestamp uint32
}

// InventoryResponse answers a query inventory command.
type InventoryResponse struct {
	SlotsNum  uint8        `json:"slots_num"`
	RemainNum uint8        `json:"remain_num"`
	Slots     []SlotRecord `json:"slots"`
}

// BorrowResponse answers a borrow command.
type BorrowResponse struct {
	Slot           uint8      `json:"slot"`
	Result         uint8      `json:"result"`
	TerminalID     TerminalID `json:"terminal_id"`
	SlotLocked     bool       `json:"slot_locked"`
	AdjacentLocked bool       `json:"adjacent_locked"`
}

// ReturnEvent is emitted unsolicited when a unit is inserted.
type ReturnEvent struct {
	Slot        uint8        `json:"slot"`
	TerminalID  TerminalID   `json:"terminal_id"`
	Level       uint8        `json:"level"`
	Voltage     uint16       `json:"voltage"`
	Current     uint16       `json:"current"`
	Temperature int8         `json:"temperature"`
	Status      ReturnStatus `json:"status"`
	SOH         uint8        `json:"soh"`
}

// ReturnResponse acknowledges an insertion event.
type ReturnResponse struct {
	Event  ReturnEvent
	Result uint8
}

// ForceEjectResponse answers a force eject command.
type ForceEjectResponse struct {
	Slot       uint8      `json:"slot"`
	Result     uint8      `json:"result"`
	TerminalID TerminalID `json:"terminal_id"`
}

// ServerAddress is the endpoint a cabinet dials.
type ServerAddress struct {
	Address   string `json:"address"`
	Port      string `json:"port"`
	Heartbeat uint8  `json:"heartbeat"`
}

// SlotAbnormalReport is emitted when a bay detects a fault.
type SlotAbnormalReport struct {
	Event      uint8
	Slot       uint8
	TerminalID TerminalID
}

// EventText names a slot abnormal event code.
func (r SlotAbnormalReport) EventText() string {
	switch r.Event {
	case 1:
		return "no unlock command"
	case 2:
		return "return detected without power bank"
	case 3:
		return "slot malfunction"
	case 4:
		return "power bank jammed"
	case 5:
		return "communication error"
	default:
		return fmt.Sprintf("unknown event %d", r.Event)
	}
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if len(r.b)-r.off < n {
		r.err = fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d", ErrMalformedPayload, field, n, r.off, len(r.b)-r.off)
		return false
	}
	return true
}

func (r *reader) u8(field string) uint8 {
	if !r.need(1, field) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16(field string) uint16 {
	if !r.need(2, field) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int, field string) []byte {
	if !r.need(n, field) {
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) terminal(field string) TerminalID {
	var id TerminalID
	copy(id[:], r.bytes(TerminalIDSize, field))
	return id
}

func (r *reader) cstring(n int, field string) string {
	return string(bytes.TrimRight(r.bytes(n, field), "\x00"))
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) slotRecords() []SlotRecord {
	var slots []SlotRecord
	// Trailing bytes shorter than a record are padding.
	for r.err == nil && r.remaining() >= SlotRecordSize {
		slots = append(slots, SlotRecord{
			Slot:        r.u8("slot"),
			TerminalID:  r.terminal("terminal_id"),
			Level:       r.u8("level"),
			Voltage:     r.u16("voltage"),
			Current:     r.u16("current"),
			Temperature: int8(r.u8("temperature")),
			Status:      SlotStatus(r.u8("status")),
			SOH:         r.u8("soh"),
		})
	}
	return slots
}

// ParseLoginRequest decodes a login payload.
func ParseLoginRequest(p []byte) (LoginRequest, error) {
	r := &reader{b: p}
	req := LoginRequest{Nonce: r.u32("nonce")}
	if magic := r.u16("magic"); r.err == nil && magic != LoginMagic {
		return LoginRequest{}, fmt.Errorf("%w: login magic 0x%04X", ErrMalformedPayload, magic)
	}
	boxLen := int(r.u16("box_id_len"))
	req.BoxID = r.cstring(boxLen, "box_id")
	req.Timestamp = r.u32("timestamp")
	req.SlotsNum = r.u8("slots_num")
	req.RemainNum = r.u8("remain_num")
	req.Slots = r.slotRecords()
	if r.err != nil {
		return LoginRequest{}, r.err
	}
	if req.BoxID == "" {
		return LoginRequest{}, fmt.Errorf("%w: empty box id", ErrMalformedPayload)
	}
	return req, nil
}

// Bytes encodes a login request. Cabinets send these; the server uses it in tests and tools.
func (l LoginRequest) Bytes() []byte {
	b := binary.BigEndian.AppendUint32(nil, l.Nonce)
	b = binary.BigEndian.AppendUint16(b, LoginMagic)
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.BoxID)))
	b = append(b, l.BoxID...)
	b = binary.BigEndian.AppendUint32(b, l.Timestamp)
	b = append(b, l.SlotsNum, l.RemainNum)
	for _, s := range l.Slots {
		b = s.appendTo(b)
	}
	return b
}

// Bytes encodes a login acknowledgement.
func (l LoginResponse) Bytes() []byte {
	b := []byte{ResultSuccess}
	b = binary.BigEndian.AppendUint32(b, l.Nonce)
	b = binary.BigEndian.AppendUint32(b, l.Timestamp)
	return b
}

// ParseInventoryResponse decodes a query inventory answer.
func ParseInventoryResponse(p []byte) (InventoryResponse, error) {
	r := &reader{b: p}
	inv := InventoryResponse{
		SlotsNum:  r.u8("slots_num"),
		RemainNum: r.u8("remain_num"),
	}
	inv.Slots = r.slotRecords()
	if r.err != nil {
		return InventoryResponse{}, r.err
	}
	return inv, nil
}

// Bytes encodes an inventory answer.
func (i InventoryResponse) Bytes() []byte {
	b := []byte{i.SlotsNum, i.RemainNum}
	for _, s := range i.Slots {
		b = s.appendTo(b)
	}
	return b
}

// BorrowRequest builds the borrow command payload.
func BorrowRequest(slot uint8) []byte {
	return []byte{slot}
}

// ParseBorrowResponse decodes a borrow answer. Lock flags are optional on older firmware.
func ParseBorrowResponse(p []byte) (BorrowResponse, error) {
	r := &reader{b: p}
	resp := BorrowResponse{
		Slot:       r.u8("slot"),
		Result:     r.u8("result"),
		TerminalID: r.terminal("terminal_id"),
	}
	if r.err != nil {
		return BorrowResponse{}, r.err
	}
	if r.remaining() >= 2 {
		resp.SlotLocked = r.u8("slot_lock") != 0
		resp.AdjacentLocked = r.u8("adjacent_lock") != 0
	}
	return resp, nil
}

// Bytes encodes a borrow answer.
func (b BorrowResponse) Bytes() []byte {
	out := []byte{b.Slot, b.Result}
	out = append(out, b.TerminalID[:]...)
	return append(out, boolByte(b.SlotLocked), boolByte(b.AdjacentLocked))
}

// ParseReturnEvent decodes an insertion event.
func ParseReturnEvent(p []byte) (ReturnEvent, error) {
	r := &reader{b: p}
	ev := ReturnEvent{
		Slot:        r.u8("slot"),
		TerminalID:  r.terminal("terminal_id"),
		Level:       r.u8("level"),
		Voltage:     r.u16("voltage"),
		Current:     r.u16("current"),
		Temperature: int8(r.u8("temperature")),
		Status:      ReturnStatus(r.u8("status")),
		SOH:         r.u8("soh"),
	}
	if r.err != nil {
		return ReturnEvent{}, r.err
	}
	return ev, nil
}

func (e ReturnEvent) appendTo(b []byte) []byte {
	b = append(b, e.TerminalID[:]...)
	b = append(b, e.Level)
	b = binary.BigEndian.AppendUint16(b, e.Voltage)
	b = binary.BigEndian.AppendUint16(b, e.Current)
	return append(b, byte(e.Temperature), byte(e.Status), e.SOH)
}

// Bytes encodes an insertion event.
func (e ReturnEvent) Bytes() []byte {
	return e.appendTo([]byte{e.Slot})
}

// Bytes encodes the acknowledgement: slot, result, then the event fields echoed back.
func (r ReturnResponse) Bytes() []byte {
	return r.Event.appendTo([]byte{r.Event.Slot, r.Result})
}

// ForceEjectRequest builds the force eject command payload.
func ForceEjectRequest(slot uint8) []byte {
	return []byte{slot}
}

// ParseForceEjectResponse decodes a force eject answer.
func ParseForceEjectResponse(p []byte) (ForceEjectResponse, error) {
	r := &reader{b: p}
	resp := ForceEjectResponse{
		Slot:       r.u8("slot"),
		Result:     r.u8("result"),
		TerminalID: r.terminal("terminal_id"),
	}
	if r.err != nil {
		return ForceEjectResponse{}, r.err
	}
	return resp, nil
}

// ParseICCIDResponse decodes the SIM ICCID answer.
func ParseICCIDResponse(p []byte) (string, error) {
	r := &reader{b: p}
	n := int(r.u16("iccid_len"))
	iccid := r.cstring(n, "iccid")
	if r.err != nil {
		return "", r.err
	}
	return iccid, nil
}

// ICCIDResponse encodes an ICCID answer.
func ICCIDResponse(iccid string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(len(iccid)))
	return append(b, iccid...)
}

// Bytes encodes the set server address payload. Both strings carry a NUL terminator that is
// counted in their length prefix.
func (s ServerAddress) Bytes() []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(len(s.Address)+1))
	b = append(b, s.Address...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(len(s.Port)+1))
	b = append(b, s.Port...)
	b = append(b, 0)
	return append(b, s.Heartbeat)
}

// ParseServerAddress decodes a server address payload.
func ParseServerAddress(p []byte) (ServerAddress, error) {
	r := &reader{b: p}
	var s ServerAddress
	s.Address = r.cstring(int(r.u16("address_len")), "address")
	s.Port = r.cstring(int(r.u16("port_len")), "port")
	s.Heartbeat = r.u8("heartbeat")
	if r.err != nil {
		return ServerAddress{}, r.err
	}
	return s, nil
}

// ParseVoiceVolume decodes a volume answer.
func ParseVoiceVolume(p []byte) (uint8, error) {
	r := &reader{b: p}
	lvl := r.u8("level")
	if r.err != nil {
		return 0, r.err
	}
	return lvl, nil
}

// ParseSlotAbnormalReport decodes a slot fault report.
func ParseSlotAbnormalReport(p []byte) (SlotAbnormalReport, error) {
	r := &reader{b: p}
	rep := SlotAbnormalReport{
		Event:      r.u8("event"),
		Slot:       r.u8("slot"),
		TerminalID: r.terminal("terminal_id"),
	}
	if r.err != nil {
		return SlotAbnormalReport{}, r.err
	}
	return rep, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
