package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// CachedValue wraps a cached answer with its age.
type CachedValue struct {
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueryInventory asks the station for its slot inventory.
func (s *Service) QueryInventory(ctx context.Context, stationID int64) (Result, error) {
	frame, hex, err := s.request(ctx, stationID, protocol.OpQueryInventory, nil)
	if err != nil {
		return failed(stationID, hex, err)
	}
	inv, err := protocol.ParseInventoryResponse(frame.Payload)
	if err != nil {
		return failed(stationID, hex, err)
	}
	return Result{
		Success:   true,
		Message:   fmt.Sprintf("inventory received: %d slots, %d power banks", inv.SlotsNum, inv.RemainNum),
		StationID: stationID,
		PacketHex: hex,
		Data:      inv,
	}, nil
}

// CachedInventory returns the last inventory answer without talking to the station.
func (s *Service) CachedInventory(stationID int64) (Result, error) {
	conn, ok := s.registry.ByStationID(stationID)
	if !ok {
		return failed(stationID, "", registry.ErrStationNotConnected)
	}
	inv, at, ok := conn.Inventory()
	if !ok {
		return Result{Success: false, Message: "no cached inventory", StationID: stationID}, nil
	}
	return Result{Success: true, Message: "cached inventory", StationID: stationID, Data: CachedValue{Value: inv, UpdatedAt: at}}, nil
}

// QueryICCID asks the station for its SIM ICCID.
func (s *Service) QueryICCID(ctx context.Context, stationID int64) (Result, error) {
	frame, hex, err := s.request(ctx, stationID, protocol.OpQueryICCID, nil)
	if err != nil {
		return failed(stationID, hex, err)
	}
	iccid, err := protocol.ParseICCIDResponse(frame.Payload)
	if err != nil {
		return failed(stationID, hex, err)
	}
	return Result{Success: true, Message: "iccid received", StationID: stationID, PacketHex: hex, Data: map[string]string{"iccid": iccid}}, nil
}

// CachedICCID returns the ICCID last reported on the station's socket.
func (s *Service) CachedICCID(stationID int64) (Result, error) {
	conn, ok := s.registry.ByStationID(stationID)
	if !ok {
		return failed(stationID, "", registry.ErrStationNotConnected)
	}
	iccid, at, ok := conn.ICCID()
	if !ok {
		return Result{Success: false, Message: "no cached iccid", StationID: stationID}, nil
	}
	return Result{Success: true, Message: "cached iccid", StationID: stationID, Data: CachedValue{Value: iccid, UpdatedAt: at}}, nil
}

// QueryVoiceVolume reads the speaker level.
func (s *Service) QueryVoiceVolume(ctx context.Context, stationID int64) (Result, error) {
	frame, hex, err := s.request(ctx, stationID, protocol.OpQueryVoiceVolume, nil)
	if err != nil {
		return failed(stationID, hex, err)
	}
	level, err := protocol.ParseVoiceVolume(frame.Payload)
	if err != nil {
		return failed(stationID, hex, err)
	}
	return Result{Success: true, Message: "voice volume received", StationID: stationID, PacketHex: hex, Data: map[string]uint8{"level": level}}, nil
}

// SetVoiceVolume sets the speaker level, 0..15.
func (s *Service) SetVoiceVolume(ctx context.Context, stationID int64, level int) (Result, error) {
	if level < 0 || level > protocol.MaxVoiceVolume {
		return failed(stationID, "", fmt.Errorf("%w: volume %d outside 0..%d", ErrInvalidArgument, level, protocol.MaxVoiceVolume))
	}
	_, hex, err := s.request(ctx, stationID, protocol.OpSetVoiceVolume, []byte{uint8(level)})
	if err != nil {
		return failed(stationID, hex, err)
	}
	if conn, ok := s.registry.ByStationID(stationID); ok {
		conn.SetVoiceVolume(uint8(level), s.now())
	}
	return Result{Success: true, Message: fmt.Sprintf("voice volume set to %d", level), StationID: stationID, PacketHex: hex}, nil
}

// QueryServerAddress reads the endpoint the station dials.
func (s *Service) QueryServerAddress(ctx context.Context, stationID int64) (Result, error) {
	frame, hex, err := s.request(ctx, stationID, protocol.OpQueryServerAddress, nil)
	if err != nil {
		return failed(stationID, hex, err)
	}
	addr, err := protocol.ParseServerAddress(frame.Payload)
	if err != nil {
		return failed(stationID, hex, err)
	}
	return Result{Success: true, Message: "server address received", StationID: stationID, PacketHex: hex, Data: addr}, nil
}

// SetServerAddress points the station at another endpoint.
func (s *Service) SetServerAddress(ctx context.Context, stationID int64, addr protocol.ServerAddress) (Result, error) {
	addr.Address = strings.TrimSpace(addr.Address)
	addr.Port = strings.TrimSpace(addr.Port)
	if addr.Address == "" || addr.Port == "" {
		return failed(stationID, "", fmt.Errorf("%w: address and port are required", ErrInvalidArgument))
	}
	_, hex, err := s.request(ctx, stationID, protocol.OpSetServerAddress, addr.Bytes())
	if err != nil {
		return failed(stationID, hex, err)
	}
	if conn, ok := s.registry.ByStationID(stationID); ok {
		conn.SetServerAddress(addr, s.now())
	}
	return Result{Success: true, Message: fmt.Sprintf("server address set to %s:%s", addr.Address, addr.Port), StationID: stationID, PacketHex: hex, Data: addr}, nil
}

// Restart sends the restart command and marks the station inactive. It does not wait: the socket
// drops and the supervisor or the next login reconciles the registry.
func (s *Service) Restart(ctx context.Context, stationID int64) (Result, error) {
	_, hex, err := s.send(stationID, protocol.OpRestart, nil)
	if err != nil {
		return failed(stationID, hex, err)
	}
	if s.stations != nil {
		if err := s.stations.UpdateStatus(ctx, stationID, models.StationInactive); err != nil {
			s.logger.Warn("mark station inactive after restart", zap.Int64("station_id", stationID), zap.Error(err))
		}
	}
	s.logger.Info("restart sent", zap.Int64("station_id", stationID))
	return Result{Success: true, Message: "restart command sent", StationID: stationID, PacketHex: hex}, nil
}

// ForceEject pops a slot regardless of rental state and waits for the station's answer.
func (s *Service) ForceEject(ctx context.Context, stationID int64, slot int) (Result, error) {
	if slot <= 0 || slot > 255 {
		return failed(stationID, "", fmt.Errorf("%w: slot %d", ErrInvalidArgument, slot))
	}
	frame, hex, err := s.request(ctx, stationID, protocol.OpForceEject, protocol.ForceEjectRequest(uint8(slot)))
	if err != nil {
		return failed(stationID, hex, err)
	}
	resp, err := protocol.ParseForceEjectResponse(frame.Payload)
	if err != nil {
		return failed(stationID, hex, err)
	}
	if resp.Result != protocol.ResultSuccess {
		return Result{Success: false, Message: fmt.Sprintf("station refused eject of slot %d (result %d)", resp.Slot, resp.Result), StationID: stationID, PacketHex: hex, Data: resp}, nil
	}
	return Result{Success: true, Message: fmt.Sprintf("slot %d ejected", resp.Slot), StationID: stationID, PacketHex: hex, Data: resp}, nil
}

// SendBorrow writes the borrow command. The answer is matched by the correlator.
func (s *Service) SendBorrow(_ context.Context, stationID int64, slot uint8) (string, error) {
	_, hex, err := s.send(stationID, protocol.OpBorrow, protocol.BorrowRequest(slot))
	return hex, err
}

// RequestInventory asks conn for a fresh inventory without waiting. The answer is applied by the
// inventory handler when it arrives.
func (s *Service) RequestInventory(conn *registry.StationConnection) error {
	_, err := s.sendOn(conn, protocol.OpQueryInventory, nil)
	return err
}

// RequestICCID asks conn for its ICCID without waiting.
func (s *Service) RequestICCID(conn *registry.StationConnection) error {
	_, err := s.sendOn(conn, protocol.OpQueryICCID, nil)
	return err
}
