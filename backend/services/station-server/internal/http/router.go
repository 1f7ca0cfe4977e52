// Package httpserver exposes station operations over REST.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/auth"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/commands"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/inventory"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/rental"
)

// Commands is the station command surface.
type Commands interface {
	QueryInventory(ctx context.Context, stationID int64) (commands.Result, error)
	CachedInventory(stationID int64) (commands.Result, error)
	QueryICCID(ctx context.Context, stationID int64) (commands.Result, error)
	CachedICCID(stationID int64) (commands.Result, error)
	QueryVoiceVolume(ctx context.Context, stationID int64) (commands.Result, error)
	SetVoiceVolume(ctx context.Context, stationID int64, level int) (commands.Result, error)
	QueryServerAddress(ctx context.Context, stationID int64) (commands.Result, error)
	SetServerAddress(ctx context.Context, stationID int64, addr protocol.ServerAddress) (commands.Result, error)
	Restart(ctx context.Context, stationID int64) (commands.Result, error)
	ForceEject(ctx context.Context, stationID int64, slot int) (commands.Result, error)
}

// Rentals starts borrow and return operations.
type Rentals interface {
	Borrow(ctx context.Context, in rental.BorrowInput) (correlator.Outcome, error)
	BorrowPowerbank(ctx context.Context, powerbankID, userID int64) (correlator.Outcome, error)
	ExpectReturn(ctx context.Context, in rental.ReturnInput) (correlator.Outcome, error)
}

// Operations inspects and cancels pending operations.
type Operations interface {
	Pending() []correlator.Outcome
	Cancel(orderID string) bool
	CancelExpired(olderThan time.Duration) int
}

// Connections is the live socket view.
type Connections interface {
	Snapshot() []registry.Info
	Counts() (pending, active int)
	CloseStation(stationID int64, reason string) int
}

// Inventories serves mirrored inventories.
type Inventories interface {
	Snapshot(ctx context.Context, stationID int64) (inventory.StationInventory, bool)
	Forget(stationID int64)
}

// RouterDeps collects handler dependencies. Metrics and Events may be nil.
type RouterDeps struct {
	Commands    Commands
	Rentals     Rentals
	Operations  Operations
	Connections Connections
	Inventories Inventories
	Auth        func(http.Handler) http.Handler
	Metrics     http.Handler
	Events      http.HandlerFunc
	Logger      *zap.Logger
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handlers{deps: deps, logger: deps.Logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.APIKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Events != nil {
		r.Get("/ws/events", deps.Events)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Auth)

		r.Get("/stations", h.listStations)
		r.Route("/stations/{id}", func(r chi.Router) {
			r.Get("/inventory", h.inventory)
			r.Post("/inventory/query", h.queryInventory)
			r.Get("/iccid", h.iccid)
			r.Post("/iccid/query", h.queryICCID)
			r.Get("/volume", h.volume)
			r.Post("/borrow", h.borrow)
			r.Post("/returns", h.expectReturn)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleService))
				r.Put("/volume", h.setVolume)
				r.Get("/server-address", h.serverAddress)
				r.Put("/server-address", h.setServerAddress)
				r.Post("/restart", h.restart)
				r.Post("/eject", h.eject)
				r.Post("/disconnect", h.disconnect)
			})
		})
		r.Post("/powerbanks/{id}/borrow", h.borrowPowerbank)

		r.Get("/operations", h.listOperations)
		r.Delete("/operations/{order_id}", h.cancelOperation)
		r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleService)).Post("/operations/cleanup", h.cleanupOperations)
	})
	return r
}

type handlers struct {
	deps   RouterDeps
	logger *zap.Logger
}

func (h *handlers) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Stack("stack"))
				writeJSON(w, http.StatusInternalServerError, commands.Result{Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	pending, active := h.deps.Connections.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"stations_active":  active,
		"stations_pending": pending,
	})
}
