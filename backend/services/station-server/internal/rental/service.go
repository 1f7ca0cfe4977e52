// Package rental turns borrow and return requests into correlated station operations and keeps
// orders, slot occupancy and the inventory mirror in step with their outcomes.
package rental

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/inventory"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/repository"
)

var (
	ErrNoSlotAvailable    = errors.New("no power bank available")
	ErrPowerbankNotDocked = errors.New("power bank is not docked in a station")
	ErrInvalidInput       = errors.New("invalid rental input")
)

// Publisher accepts notifications.
type Publisher interface {
	Publish(ev notify.Event)
}

// OperationObserver records how operations ended.
type OperationObserver interface {
	Operation(kind, state string, took time.Duration)
}

// Deps wires the service. Publisher and Observer may be nil.
type Deps struct {
	Correlator *correlator.Correlator
	Mirror     *inventory.Mirror
	Stations   repository.StationStore
	Powerbanks repository.PowerbankStore
	Slots      repository.SlotStore
	Orders     repository.OrderStore
	Publisher  Publisher
	Observer   OperationObserver
}

// Config for Service.
type Config struct {
	// MinLevel is the lowest charge level the slot picker hands out.
	MinLevel      int
	BorrowTimeout time.Duration
	ReturnWindow  time.Duration
	Now           func() time.Time
}

// Service orchestrates rentals.
type Service struct {
	corr       *correlator.Correlator
	mirror     *inventory.Mirror
	stations   repository.StationStore
	powerbanks repository.PowerbankStore
	slots      repository.SlotStore
	orders     repository.OrderStore
	publisher  Publisher
	observer   OperationObserver
	cfg        Config
	logger     *zap.Logger
}

// New builds the service.
func New(d Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		corr:       d.Correlator,
		mirror:     d.Mirror,
		stations:   d.Stations,
		powerbanks: d.Powerbanks,
		slots:      d.Slots,
		orders:     d.Orders,
		publisher:  d.Publisher,
		observer:   d.Observer,
		cfg:        cfg,
		logger:     logger.Named("rental"),
	}
}

// BorrowInput selects what to borrow. Slot wins over PowerbankID; with neither the mirror picks
// the fullest healthy unit.
type BorrowInput struct {
	OrderID     string `json:"order_id"`
	StationID   int64  `json:"station_id"`
	Slot        int    `json:"slot"`
	PowerbankID int64  `json:"powerbank_id"`
	UserID      int64  `json:"user_id"`
}

// ReturnInput declares an expected return.
type ReturnInput struct {
	OrderID     string        `json:"order_id"`
	StationID   int64         `json:"station_id"`
	UserID      int64         `json:"user_id"`
	PowerbankID int64         `json:"powerbank_id"`
	TerminalID  string        `json:"terminal_id"`
	Window      time.Duration `json:"-"`
}

func (s *Service) publish(ev notify.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

func (s *Service) observe(o correlator.Outcome) {
	if s.observer == nil {
		return
	}
	took := o.ResolvedAt.Sub(o.CreatedAt)
	if took < 0 {
		took = 0
	}
	s.observer.Operation(string(o.Kind), string(o.State), took)
}

func validateUser(userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}

func trimOrder(id string) string {
	return strings.TrimSpace(id)
}
