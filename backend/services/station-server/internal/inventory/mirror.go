// Package inventory mirrors the last known slot contents of every station.
package inventory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
)

// SlotState is the last known content of one bay.
type SlotState struct {
	Slot        int       `json:"slot"`
	TerminalID  string    `json:"terminal_id,omitempty"`
	Level       int       `json:"level"`
	Voltage     int       `json:"voltage"`
	Current     int       `json:"current"`
	Temperature int       `json:"temperature"`
	SOH         int       `json:"soh"`
	Status      uint8     `json:"status"`
	Inserted    bool      `json:"inserted"`
	Locked      bool      `json:"locked"`
	Charging    bool      `json:"charging"`
	Fault       string    `json:"fault,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Occupied reports whether a unit sits in the bay.
func (s SlotState) Occupied() bool {
	return s.TerminalID != "" && s.Inserted
}

// StationInventory is a snapshot of one station.
type StationInventory struct {
	StationID int64       `json:"station_id"`
	SlotsNum  int         `json:"slots_num"`
	RemainNum int         `json:"remain_num"`
	Slots     []SlotState `json:"slots"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Cache persists snapshots outside the process.
type Cache interface {
	Save(ctx context.Context, inv StationInventory) error
	Load(ctx context.Context, stationID int64) (StationInventory, bool, error)
	Delete(ctx context.Context, stationID int64) error
}

type stationState struct {
	slotsNum  int
	remainNum int
	slots     map[int]SlotState
	updatedAt time.Time
	version   uint64
}

func (s *stationState) snapshot(stationID int64) StationInventory {
	inv := StationInventory{
		StationID: stationID,
		SlotsNum:  s.slotsNum,
		RemainNum: s.remainNum,
		Slots:     make([]SlotState, 0, len(s.slots)),
		UpdatedAt: s.updatedAt,
	}
	for _, slot := range s.slots {
		inv.Slots = append(inv.Slots, slot)
	}
	sort.Slice(inv.Slots, func(i, j int) bool { return inv.Slots[i].Slot < inv.Slots[j].Slot })
	return inv
}

// Mirror is a best-effort in-memory copy of station inventories refreshed by inbound frames.
type Mirror struct {
	mu       sync.RWMutex
	stations map[int64]*stationState
	writers  map[int64]*cacheWriter

	cache  Cache
	now    func() time.Time
	logger *zap.Logger
}

// NewMirror builds a mirror. cache may be nil.
func NewMirror(cache Cache, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		stations: make(map[int64]*stationState),
		writers:  make(map[int64]*cacheWriter),
		cache:    cache,
		now:      time.Now,
		logger:   logger.Named("inventory"),
	}
}

func (m *Mirror) stateLocked(stationID int64) *stationState {
	st, ok := m.stations[stationID]
	if !ok {
		st = &stationState{slots: make(map[int]SlotState)}
		m.stations[stationID] = st
	}
	return st
}

func fromRecord(r protocol.SlotRecord, at time.Time) SlotState {
	s := SlotState{
		Slot:        int(r.Slot),
		Level:       int(r.Level),
		Voltage:     int(r.Voltage),
		Current:     int(r.Current),
		Temperature: int(r.Temperature),
		SOH:         int(r.SOH),
		Status:      uint8(r.Status),
		Inserted:    r.Status.Inserted(),
		Locked:      r.Status.Locked(),
		Charging:    r.Status.Charging(),
		UpdatedAt:   at,
	}
	if !r.TerminalID.IsZero() {
		s.TerminalID = r.TerminalID.String()
	}
	if r.Status.Faulty() {
		s.Fault = "reported by station"
	}
	return s
}

func (m *Mirror) replace(stationID int64, slotsNum, remainNum int, records []protocol.SlotRecord) StationInventory {
	now := m.now()
	m.mu.Lock()
	st := m.stateLocked(stationID)
	st.slotsNum = slotsNum
	st.remainNum = remainNum
	st.slots = make(map[int]SlotState, len(records))
	for _, r := range records {
		st.slots[int(r.Slot)] = fromRecord(r, now)
	}
	st.updatedAt = now
	snap := st.snapshot(stationID)
	write := m.writeLocked(stationID, st)
	m.mu.Unlock()

	m.persist(snap, write)
	return snap
}

// ApplyInventory replaces the station's slots with an inventory answer.
func (m *Mirror) ApplyInventory(stationID int64, inv protocol.InventoryResponse) StationInventory {
	return m.replace(stationID, int(inv.SlotsNum), int(inv.RemainNum), inv.Slots)
}

// ApplyLogin seeds the mirror from the slot records carried by a login.
func (m *Mirror) ApplyLogin(stationID int64, req protocol.LoginRequest) StationInventory {
	return m.replace(stationID, int(req.SlotsNum), int(req.RemainNum), req.Slots)
}

// InsertSlot records a unit inserted into a bay and bumps the remain counter.
func (m *Mirror) InsertSlot(stationID int64, ev protocol.ReturnEvent) {
	now := m.now()
	m.mu.Lock()
	st := m.stateLocked(stationID)
	prev, had := st.slots[int(ev.Slot)]
	slot := SlotState{
		Slot:        int(ev.Slot),
		Level:       int(ev.Level),
		Voltage:     int(ev.Voltage),
		Current:     int(ev.Current),
		Temperature: int(ev.Temperature),
		SOH:         int(ev.SOH),
		Status:      uint8(ev.Status),
		Inserted:    true,
		Locked:      ev.Status.Locked(),
		UpdatedAt:   now,
	}
	if !ev.TerminalID.IsZero() {
		slot.TerminalID = ev.TerminalID.String()
	}
	st.slots[int(ev.Slot)] = slot
	if !had || !prev.Occupied() {
		st.remainNum++
	}
	st.updatedAt = now
	snap := st.snapshot(stationID)
	write := m.writeLocked(stationID, st)
	m.mu.Unlock()

	m.persist(snap, write)
}

// RemoveSlot clears a bay after its unit left and decrements the remain counter.
func (m *Mirror) RemoveSlot(stationID int64, slot int) {
	now := m.now()
	m.mu.Lock()
	st := m.stateLocked(stationID)
	if prev, ok := st.slots[slot]; ok && prev.Occupied() && st.remainNum > 0 {
		st.remainNum--
	}
	st.slots[slot] = SlotState{Slot: slot, UpdatedAt: now}
	st.updatedAt = now
	snap := st.snapshot(stationID)
	write := m.writeLocked(stationID, st)
	m.mu.Unlock()

	m.persist(snap, write)
}

// MarkFault flags a bay so slot selection skips it until the next inventory.
func (m *Mirror) MarkFault(stationID int64, slot int, reason string) {
	now := m.now()
	m.mu.Lock()
	st := m.stateLocked(stationID)
	s := st.slots[slot]
	s.Slot = slot
	s.Fault = reason
	s.UpdatedAt = now
	st.slots[slot] = s
	st.updatedAt = now
	snap := st.snapshot(stationID)
	write := m.writeLocked(stationID, st)
	m.mu.Unlock()

	m.persist(snap, write)
}

// Snapshot returns the station's inventory, falling back to the cache when the process has not
// seen the station yet.
func (m *Mirror) Snapshot(ctx context.Context, stationID int64) (StationInventory, bool) {
	m.mu.RLock()
	st, ok := m.stations[stationID]
	var snap StationInventory
	if ok {
		snap = st.snapshot(stationID)
	}
	m.mu.RUnlock()
	if ok || m.cache == nil {
		return snap, ok
	}

	cached, found, err := m.cache.Load(ctx, stationID)
	if err != nil {
		m.logger.Warn("load cached inventory", zap.Int64("station_id", stationID), zap.Error(err))
		return StationInventory{}, false
	}
	return cached, found
}

// SelectSlot picks the fullest healthy unit at or above minLevel, skipping slots in exclude.
// Ties go to the lower slot.
func (m *Mirror) SelectSlot(stationID int64, minLevel int, exclude map[int]bool) (SlotState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stations[stationID]
	if !ok {
		return SlotState{}, false
	}
	var best SlotState
	found := false
	for _, s := range st.slots {
		if !s.Occupied() || s.Fault != "" || s.Level < minLevel || exclude[s.Slot] {
			continue
		}
		if !found || s.Level > best.Level || (s.Level == best.Level && s.Slot < best.Slot) {
			best, found = s, true
		}
	}
	return best, found
}

// FindTerminal returns the bay holding terminalID.
func (m *Mirror) FindTerminal(stationID int64, terminalID string) (SlotState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stations[stationID]
	if !ok {
		return SlotState{}, false
	}
	for _, s := range st.slots {
		if s.TerminalID == terminalID && s.Occupied() {
			return s, true
		}
	}
	return SlotState{}, false
}

// Forget drops a station from memory and cache.
func (m *Mirror) Forget(stationID int64) {
	m.mu.Lock()
	delete(m.stations, stationID)
	w := m.writers[stationID]
	delete(m.writers, stationID)
	m.mu.Unlock()
	if m.cache == nil {
		return
	}
	if w != nil {
		// writes still queued for the forgotten state must not resurrect it
		w.mu.Lock()
		w.saved = math.MaxUint64
		defer w.mu.Unlock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.cache.Delete(ctx, stationID); err != nil {
		m.logger.Warn("delete cached inventory", zap.Int64("station_id", stationID), zap.Error(err))
	}
}

// cacheWriter orders cache saves for one station.
type cacheWriter struct {
	mu    sync.Mutex
	saved uint64
}

type cacheWrite struct {
	writer  *cacheWriter
	version uint64
}

func (m *Mirror) writeLocked(stationID int64, st *stationState) cacheWrite {
	st.version++
	if m.cache == nil {
		return cacheWrite{}
	}
	w, ok := m.writers[stationID]
	if !ok {
		w = &cacheWriter{}
		m.writers[stationID] = w
	}
	return cacheWrite{writer: w, version: st.version}
}

// persist saves snap off the caller's goroutine. Saves for a station run one at a time and a
// snapshot older than the last one saved is dropped.
func (m *Mirror) persist(snap StationInventory, write cacheWrite) {
	if m.cache == nil || write.writer == nil {
		return
	}
	go func() {
		w := write.writer
		w.mu.Lock()
		defer w.mu.Unlock()
		if write.version <= w.saved {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.cache.Save(ctx, snap); err != nil {
			m.logger.Warn("cache inventory", zap.Int64("station_id", snap.StationID), zap.Error(err))
			return
		}
		w.saved = write.version
	}()
}
