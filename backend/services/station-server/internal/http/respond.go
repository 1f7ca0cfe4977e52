package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/commands"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/rental"
)

var errBadRequest = errors.New("malformed request")

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, stationID int64, err error) {
	writeJSON(w, statusFor(err), commands.Result{Success: false, Message: err.Error(), StationID: stationID})
}

// writeResult answers with a command result, choosing the status from err.
func writeResult(w http.ResponseWriter, res commands.Result, err error) {
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		if res.Message == "" {
			res.Message = err.Error()
		}
	}
	writeJSON(w, status, res)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, registry.ErrStationNotConnected), errors.Is(err, registry.ErrNoSecretKey),
		errors.Is(err, rental.ErrPowerbankNotDocked):
		return http.StatusNotFound
	case errors.Is(err, correlator.ErrSlotBusy), errors.Is(err, correlator.ErrDuplicateOrder),
		errors.Is(err, rental.ErrNoSlotAvailable):
		return http.StatusConflict
	case errors.Is(err, errBadRequest), errors.Is(err, commands.ErrInvalidArgument),
		errors.Is(err, correlator.ErrInvalidRequest), errors.Is(err, rental.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, commands.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, registry.ErrTransportClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// outcomeStatus maps a resolved operation. Failures are reported by reason because the
// correlator resolves them without an error.
func outcomeStatus(o correlator.Outcome) int {
	if o.Succeeded() {
		return http.StatusOK
	}
	switch o.Reason {
	case correlator.ReasonStationOffline, correlator.ReasonNoSecretKey:
		return http.StatusNotFound
	case correlator.ReasonTimedOut:
		return http.StatusGatewayTimeout
	case correlator.ReasonCancelled:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeOutcome(w http.ResponseWriter, o correlator.Outcome, err error) {
	if err != nil {
		// a caller that gave up still gets the operation it started
		res := commands.Result{Success: false, Message: err.Error(), StationID: o.StationID, PacketHex: o.PacketHex}
		if o.OrderID != "" {
			res.Data = o
		}
		writeJSON(w, statusFor(err), res)
		return
	}
	msg := string(o.Kind) + " " + string(o.State)
	if o.Reason != "" {
		msg += ": " + o.Reason
	}
	writeJSON(w, outcomeStatus(o), commands.Result{
		Success:   o.Succeeded(),
		Message:   msg,
		StationID: o.StationID,
		PacketHex: o.PacketHex,
		Data:      o,
	})
}
