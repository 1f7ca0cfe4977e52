// Package repotest provides in-memory stores for tests.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/repository"
)

// DB holds every store over one lock.
type DB struct {
	mu         sync.Mutex
	stations   map[int64]models.Station
	powerbanks map[int64]models.Powerbank
	slots      map[slotKey]models.SlotOccupancy
	orders     []models.Order
	reports    []models.AbnormalReport
	packets    []models.PacketLog
	nextID     int64

	Stations   *Stations
	Powerbanks *Powerbanks
	Slots      *Slots
	Orders     *Orders
	Events     *Events
}

type slotKey struct {
	station int64
	slot    int
}

// New returns an empty database.
func New() *DB {
	db := &DB{
		stations:   map[int64]models.Station{},
		powerbanks: map[int64]models.Powerbank{},
		slots:      map[slotKey]models.SlotOccupancy{},
	}
	db.Stations = &Stations{db}
	db.Powerbanks = &Powerbanks{db}
	db.Slots = &Slots{db}
	db.Orders = &Orders{db}
	db.Events = &Events{db}
	return db
}

func (db *DB) id() int64 {
	db.nextID++
	return db.nextID
}

// AddStation seeds a station and returns it with its id.
func (db *DB) AddStation(s models.Station) models.Station {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s.ID == 0 {
		s.ID = db.id()
	} else if s.ID > db.nextID {
		db.nextID = s.ID
	}
	db.stations[s.ID] = s
	return s
}

// AddPowerbank seeds a power bank.
func (db *DB) AddPowerbank(p models.Powerbank) models.Powerbank {
	db.mu.Lock()
	defer db.mu.Unlock()
	if p.ID == 0 {
		p.ID = db.id()
	} else if p.ID > db.nextID {
		db.nextID = p.ID
	}
	db.powerbanks[p.ID] = p
	return p
}

// AddOrder seeds an order.
func (db *DB) AddOrder(o models.Order) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if o.ID == 0 {
		o.ID = db.id()
	}
	db.orders = append(db.orders, o)
}

// Station returns a copy of a station.
func (db *DB) Station(id int64) models.Station {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.stations[id]
}

// OrderList returns a copy of all orders.
func (db *DB) OrderList() []models.Order {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]models.Order(nil), db.orders...)
}

// Reports returns stored abnormal reports.
func (db *DB) Reports() []models.AbnormalReport {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]models.AbnormalReport(nil), db.reports...)
}

// Packets returns stored packet log entries.
func (db *DB) Packets() []models.PacketLog {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]models.PacketLog(nil), db.packets...)
}

// Stations implements repository.StationStore.
type Stations struct{ db *DB }

func (s *Stations) ByBoxID(_ context.Context, boxID string) (models.Station, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, st := range s.db.stations {
		if st.BoxID == boxID {
			return st, nil
		}
	}
	return models.Station{}, repository.ErrNotFound
}

func (s *Stations) ByID(_ context.Context, id int64) (models.Station, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st, ok := s.db.stations[id]
	if !ok {
		return models.Station{}, repository.ErrNotFound
	}
	return st, nil
}

func (s *Stations) CreatePending(ctx context.Context, boxID string, slots int) (models.Station, error) {
	if st, err := s.ByBoxID(ctx, boxID); err == nil {
		return st, nil
	}
	now := time.Now().UTC()
	return s.db.AddStation(models.Station{BoxID: boxID, SlotsNum: slots, Status: models.StationPending, CreatedAt: now, UpdatedAt: now}), nil
}

func (s *Stations) update(id int64, fn func(*models.Station)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st, ok := s.db.stations[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&st)
	s.db.stations[id] = st
	return nil
}

func (s *Stations) UpdateStatus(_ context.Context, id int64, status string) error {
	return s.update(id, func(st *models.Station) { st.Status = status })
}

func (s *Stations) UpdateLastSeen(_ context.Context, id int64, ts time.Time) error {
	return s.update(id, func(st *models.Station) { st.LastSeen = ts })
}

func (s *Stations) UpdateRemainNum(_ context.Context, id int64, remain int) error {
	return s.update(id, func(st *models.Station) { st.RemainNum = remain })
}

func (s *Stations) AdjustRemainNum(_ context.Context, id int64, delta int) error {
	return s.update(id, func(st *models.Station) {
		st.RemainNum += delta
		if st.RemainNum < 0 {
			st.RemainNum = 0
		}
	})
}

func (s *Stations) UpdateICCID(_ context.Context, id int64, iccid string) error {
	return s.update(id, func(st *models.Station) { st.ICCID = iccid })
}

func (s *Stations) MarkAllInactive(context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for id, st := range s.db.stations {
		if st.Status == models.StationActive {
			st.Status = models.StationInactive
			s.db.stations[id] = st
			n++
		}
	}
	return n, nil
}

// Powerbanks implements repository.PowerbankStore.
type Powerbanks struct{ db *DB }

func (p *Powerbanks) BySerial(_ context.Context, serial string) (models.Powerbank, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	for _, pb := range p.db.powerbanks {
		if pb.Serial == serial {
			return pb, nil
		}
	}
	return models.Powerbank{}, repository.ErrNotFound
}

func (p *Powerbanks) ByID(_ context.Context, id int64) (models.Powerbank, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	pb, ok := p.db.powerbanks[id]
	if !ok {
		return models.Powerbank{}, repository.ErrNotFound
	}
	return pb, nil
}

func (p *Powerbanks) EnsureSerial(ctx context.Context, serial string, soh int) (models.Powerbank, error) {
	if pb, err := p.BySerial(ctx, serial); err == nil {
		pb.SOH = soh
		_ = p.UpdateSOH(ctx, pb.ID, soh)
		return pb, nil
	}
	return p.db.AddPowerbank(models.Powerbank{Serial: serial, SOH: soh, Status: models.PowerbankUnknown, CreatedAt: time.Now().UTC()}), nil
}

func (p *Powerbanks) UpdateSOH(_ context.Context, id int64, soh int) error {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	pb, ok := p.db.powerbanks[id]
	if !ok {
		return repository.ErrNotFound
	}
	pb.SOH = soh
	p.db.powerbanks[id] = pb
	return nil
}

// Slots implements repository.SlotStore.
type Slots struct{ db *DB }

func (s *Slots) BySlot(_ context.Context, stationID int64, slot int) (models.SlotOccupancy, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	occ, ok := s.db.slots[slotKey{stationID, slot}]
	if !ok {
		return models.SlotOccupancy{}, repository.ErrNotFound
	}
	return occ, nil
}

func (s *Slots) ByPowerbank(_ context.Context, powerbankID int64) (models.SlotOccupancy, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, occ := range s.db.slots {
		if occ.PowerbankID == powerbankID {
			return occ, nil
		}
	}
	return models.SlotOccupancy{}, repository.ErrNotFound
}

func (s *Slots) putLocked(occ models.SlotOccupancy) {
	for key, other := range s.db.slots {
		if other.PowerbankID == occ.PowerbankID {
			delete(s.db.slots, key)
		}
	}
	occ.UpdatedAt = time.Now().UTC()
	s.db.slots[slotKey{occ.StationID, occ.Slot}] = occ
}

func (s *Slots) Put(_ context.Context, occ models.SlotOccupancy) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.putLocked(occ)
	return nil
}

func (s *Slots) Remove(_ context.Context, stationID int64, slot int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.slots, slotKey{stationID, slot})
	return nil
}

func (s *Slots) Sync(_ context.Context, stationID int64, rows []models.SlotOccupancy) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for key := range s.db.slots {
		if key.station == stationID {
			delete(s.db.slots, key)
		}
	}
	for _, occ := range rows {
		occ.StationID = stationID
		s.putLocked(occ)
	}
	return nil
}

// Occupancy lists a station's rows ordered by slot.
func (s *Slots) Occupancy(stationID int64) []models.SlotOccupancy {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.SlotOccupancy
	for key, occ := range s.db.slots {
		if key.station == stationID {
			out = append(out, occ)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Orders implements repository.OrderStore.
type Orders struct{ db *DB }

func (o *Orders) CreateBorrow(_ context.Context, order models.Order) (models.Order, error) {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()
	order.ID = o.db.id()
	order.Status = models.OrderBorrowed
	o.db.orders = append(o.db.orders, order)
	return order, nil
}

func (o *Orders) CloseActiveBorrow(_ context.Context, powerbankID int64, at time.Time) (models.Order, error) {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()
	best := -1
	for i, order := range o.db.orders {
		if order.PowerbankID != powerbankID || order.Status != models.OrderBorrowed {
			continue
		}
		if best < 0 || order.Timestamp.After(o.db.orders[best].Timestamp) {
			best = i
		}
	}
	if best < 0 {
		return models.Order{}, repository.ErrNotFound
	}
	completed := at.UTC()
	o.db.orders[best].Status = models.OrderReturned
	o.db.orders[best].CompletedAt = &completed
	return o.db.orders[best], nil
}

// Events implements repository.EventStore.
type Events struct{ db *DB }

func (e *Events) SaveAbnormalReport(_ context.Context, report models.AbnormalReport) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	e.db.reports = append(e.db.reports, report)
	return nil
}

func (e *Events) SavePacket(_ context.Context, entry models.PacketLog) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	e.db.packets = append(e.db.packets, entry)
	return nil
}

var (
	_ repository.StationStore   = (*Stations)(nil)
	_ repository.PowerbankStore = (*Powerbanks)(nil)
	_ repository.SlotStore      = (*Slots)(nil)
	_ repository.OrderStore     = (*Orders)(nil)
	_ repository.EventStore     = (*Events)(nil)
)
