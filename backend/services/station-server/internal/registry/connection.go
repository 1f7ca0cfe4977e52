package registry

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
)

var (
	ErrStationNotConnected = errors.New("station not connected")
	ErrNoSecretKey         = errors.New("station has no secret key")
	ErrTransportClosed     = errors.New("transport closed")
)

// Status of a socket in the registry.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
)

// Transport is the socket side of a connection. net.Conn satisfies it.
type Transport interface {
	Write(b []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// StationConnection is one live socket.
type StationConnection struct {
	key          string
	transport    Transport
	remote       string
	writeTimeout time.Duration
	connectedAt  time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	mu            sync.RWMutex
	boxID         string
	stationID     int64
	secret        []byte
	status        Status
	lastHeartbeat time.Time
	lastSeen      time.Time
	seq           uint8
	invalid       int
	closed        bool

	inventory       *protocol.InventoryResponse
	inventoryAt     time.Time
	iccid           string
	iccidAt         time.Time
	serverAddress   *protocol.ServerAddress
	serverAddressAt time.Time
	volume          *uint8
	volumeAt        time.Time
}

func newConnection(key string, t Transport, writeTimeout time.Duration, now time.Time) *StationConnection {
	remote := ""
	if addr := t.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &StationConnection{
		key:           key,
		transport:     t,
		remote:        remote,
		writeTimeout:  writeTimeout,
		connectedAt:   now,
		status:        StatusPending,
		lastHeartbeat: now,
		lastSeen:      now,
	}
}

func (c *StationConnection) Key() string            { return c.key }
func (c *StationConnection) RemoteAddr() string     { return c.remote }
func (c *StationConnection) ConnectedAt() time.Time { return c.connectedAt }

func (c *StationConnection) BoxID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boxID
}

func (c *StationConnection) StationID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stationID
}

// Secret returns a copy of the station key, nil before login.
func (c *StationConnection) Secret() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.secret == nil {
		return nil
	}
	return append([]byte(nil), c.secret...)
}

func (c *StationConnection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *StationConnection) IsActive() bool {
	return c.Status() == StatusActive
}

func (c *StationConnection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *StationConnection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// NextSeq returns the VSN for the next server-initiated command.
func (c *StationConnection) NextSeq() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// RecordInvalid counts a frame that failed authentication and returns the running total.
func (c *StationConnection) RecordInvalid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid++
	return c.invalid
}

func (c *StationConnection) SetInventory(inv protocol.InventoryResponse, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv.Slots = append([]protocol.SlotRecord(nil), inv.Slots...)
	c.inventory = &inv
	c.inventoryAt = at
}

// Inventory returns the last inventory answer received on this socket.
func (c *StationConnection) Inventory() (protocol.InventoryResponse, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.inventory == nil {
		return protocol.InventoryResponse{}, time.Time{}, false
	}
	inv := *c.inventory
	inv.Slots = append([]protocol.SlotRecord(nil), inv.Slots...)
	return inv, c.inventoryAt, true
}

func (c *StationConnection) SetICCID(iccid string, at time.Time) {
	c.mu.Lock()
	c.iccid, c.iccidAt = iccid, at
	c.mu.Unlock()
}

func (c *StationConnection) ICCID() (string, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iccid, c.iccidAt, c.iccid != ""
}

func (c *StationConnection) SetServerAddress(addr protocol.ServerAddress, at time.Time) {
	c.mu.Lock()
	c.serverAddress, c.serverAddressAt = &addr, at
	c.mu.Unlock()
}

func (c *StationConnection) ServerAddress() (protocol.ServerAddress, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverAddress == nil {
		return protocol.ServerAddress{}, time.Time{}, false
	}
	return *c.serverAddress, c.serverAddressAt, true
}

func (c *StationConnection) SetVoiceVolume(level uint8, at time.Time) {
	c.mu.Lock()
	c.volume, c.volumeAt = &level, at
	c.mu.Unlock()
}

func (c *StationConnection) VoiceVolume() (uint8, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.volume == nil {
		return 0, time.Time{}, false
	}
	return *c.volume, c.volumeAt, true
}

// Send writes one encoded frame. Writes are serialised per socket.
func (c *StationConnection) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return ErrTransportClosed
	}
	if c.writeTimeout > 0 {
		_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.transport.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return nil
}

// Close closes the transport once. A peer reset or an already closed socket is not an error.
func (c *StationConnection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if err := c.transport.Close(); err != nil && !IsBenignClose(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *StationConnection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Info is a point-in-time view used by the HTTP layer.
type Info struct {
	Key           string    `json:"conn"`
	Remote        string    `json:"remote"`
	BoxID         string    `json:"box_id,omitempty"`
	StationID     int64     `json:"station_id,omitempty"`
	Status        Status    `json:"status"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastSeen      time.Time `json:"last_seen"`
}

func (c *StationConnection) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		Key:           c.key,
		Remote:        c.remote,
		BoxID:         c.boxID,
		StationID:     c.stationID,
		Status:        c.status,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
		LastSeen:      c.lastSeen,
	}
}

// IsBenignClose reports errors that only mean the peer went away first.
func IsBenignClose(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF)
}
