package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/auth"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/commands"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/rental"
)

// actingUser returns the user an operation is booked for. End users always act as themselves;
// admin and service callers name the user in the request.
func actingUser(r *http.Request, requested int64) int64 {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return requested
	}
	if id.Role == auth.RoleAdmin || id.Role == auth.RoleService {
		if requested != 0 {
			return requested
		}
	}
	if id.UserID != 0 {
		return id.UserID
	}
	return requested
}

func (h *handlers) borrow(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	var in rental.BorrowInput
	if err := decode(r, &in); err != nil {
		writeError(w, id, err)
		return
	}
	in.StationID = id
	in.UserID = actingUser(r, in.UserID)

	outcome, err := h.deps.Rentals.Borrow(r.Context(), in)
	if outcome.StationID == 0 {
		outcome.StationID = id
	}
	writeOutcome(w, outcome, err)
}

func (h *handlers) borrowPowerbank(w http.ResponseWriter, r *http.Request) {
	pbID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 0, err)
		return
	}
	var body struct {
		UserID int64 `json:"user_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, 0, err)
		return
	}
	outcome, err := h.deps.Rentals.BorrowPowerbank(r.Context(), pbID, actingUser(r, body.UserID))
	writeOutcome(w, outcome, err)
}

// expectReturn blocks until the unit is inserted or the return window closes.
func (h *handlers) expectReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	var body struct {
		rental.ReturnInput
		WindowSeconds int `json:"window_seconds"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, id, err)
		return
	}
	in := body.ReturnInput
	in.StationID = id
	in.UserID = actingUser(r, in.UserID)
	if body.WindowSeconds > 0 {
		in.Window = time.Duration(body.WindowSeconds) * time.Second
	}

	outcome, err := h.deps.Rentals.ExpectReturn(r.Context(), in)
	if outcome.StationID == 0 {
		outcome.StationID = id
	}
	writeOutcome(w, outcome, err)
}

func (h *handlers) listOperations(w http.ResponseWriter, _ *http.Request) {
	ops := h.deps.Operations.Pending()
	writeJSON(w, http.StatusOK, commands.Result{
		Success: true,
		Message: fmt.Sprintf("%d pending operations", len(ops)),
		Data:    ops,
	})
}

func (h *handlers) cancelOperation(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	if !h.deps.Operations.Cancel(orderID) {
		writeJSON(w, http.StatusNotFound, commands.Result{Message: "operation not pending"})
		return
	}
	h.logger.Info("operation cancelled", zap.String("order_id", orderID))
	writeJSON(w, http.StatusOK, commands.Result{Success: true, Message: "operation cancelled"})
}

// cleanupOperations cancels operations older than max_age_seconds; zero cancels everything.
func (h *handlers) cleanupOperations(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxAgeSeconds int `json:"max_age_seconds"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, 0, err)
		return
	}
	if body.MaxAgeSeconds < 0 {
		writeError(w, 0, fmt.Errorf("%w: max_age_seconds must not be negative", errBadRequest))
		return
	}
	n := h.deps.Operations.CancelExpired(time.Duration(body.MaxAgeSeconds) * time.Second)
	h.logger.Info("operations cleaned up", zap.Int("cancelled", n))
	writeJSON(w, http.StatusOK, commands.Result{
		Success: true,
		Message: fmt.Sprintf("%d operations cancelled", n),
		Data:    map[string]int{"cancelled": n},
	})
}
