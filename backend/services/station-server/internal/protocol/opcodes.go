package protocol

import "fmt"

// Opcode identifies a station command.
type Opcode uint8

// Opcodes supported by the cabinet firmware.
const (
	OpLogin              Opcode = 0x60
	OpHeartbeat          Opcode = 0x61
	OpSetServerAddress   Opcode = 0x63
	OpQueryInventory     Opcode = 0x64
	OpBorrow             Opcode = 0x65
	OpReturn             Opcode = 0x66
	OpRestart            Opcode = 0x67
	OpQueryICCID         Opcode = 0x69
	OpQueryServerAddress Opcode = 0x6A
	OpSetVoiceVolume     Opcode = 0x70
	OpQueryVoiceVolume   Opcode = 0x77
	OpForceEject         Opcode = 0x80
	OpSlotAbnormal       Opcode = 0x83
)

// Opcodes lists every known opcode.
var Opcodes = []Opcode{
	OpLogin,
	OpHeartbeat,
	OpSetServerAddress,
	OpQueryInventory,
	OpBorrow,
	OpReturn,
	OpRestart,
	OpQueryICCID,
	OpQueryServerAddress,
	OpSetVoiceVolume,
	OpQueryVoiceVolume,
	OpForceEject,
	OpSlotAbnormal,
}

func (o Opcode) String() string {
	switch o {
	case OpLogin:
		return "login"
	case OpHeartbeat:
		return "heartbeat"
	case OpSetServerAddress:
		return "set_server_address"
	case OpQueryInventory:
		return "query_inventory"
	case OpBorrow:
		return "borrow"
	case OpReturn:
		return "return"
	case OpRestart:
		return "restart"
	case OpQueryICCID:
		return "query_iccid"
	case OpQueryServerAddress:
		return "query_server_address"
	case OpSetVoiceVolume:
		return "set_voice_volume"
	case OpQueryVoiceVolume:
		return "query_voice_volume"
	case OpForceEject:
		return "force_eject"
	case OpSlotAbnormal:
		return "slot_abnormal"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(o))
	}
}

// Known reports whether the opcode is part of the protocol.
func (o Opcode) Known() bool {
	for _, op := range Opcodes {
		if op == o {
			return true
		}
	}
	return false
}
