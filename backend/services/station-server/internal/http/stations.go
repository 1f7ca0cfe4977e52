package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/commands"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
)

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return id, nil
}

// stationID parses {id} and answers 422 itself when it is malformed.
func stationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 0, err)
		return 0, false
	}
	return id, true
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (h *handlers) listStations(w http.ResponseWriter, _ *http.Request) {
	conns := h.deps.Connections.Snapshot()
	writeJSON(w, http.StatusOK, commands.Result{
		Success: true,
		Message: fmt.Sprintf("%d connections", len(conns)),
		Data:    conns,
	})
}

// inventory serves the socket cache, falling back to the mirror when the station is offline.
func (h *handlers) inventory(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	res, err := h.deps.Commands.CachedInventory(id)
	if err == nil && res.Success {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if snap, found := h.deps.Inventories.Snapshot(r.Context(), id); found {
		writeJSON(w, http.StatusOK, commands.Result{
			Success:   true,
			Message:   "mirrored inventory",
			StationID: id,
			Data:      commands.CachedValue{Value: snap, UpdatedAt: snap.UpdatedAt},
		})
		return
	}
	writeResult(w, res, err)
}

func (h *handlers) queryInventory(w http.ResponseWriter, r *http.Request) {
	if id, ok := stationID(w, r); ok {
		res, err := h.deps.Commands.QueryInventory(r.Context(), id)
		writeResult(w, res, err)
	}
}

func (h *handlers) iccid(w http.ResponseWriter, r *http.Request) {
	if id, ok := stationID(w, r); ok {
		res, err := h.deps.Commands.CachedICCID(id)
		writeResult(w, res, err)
	}
}

func (h *handlers) queryICCID(w http.ResponseWriter, r *http.Request) {
	if id, ok := stationID(w, r); ok {
		res, err := h.deps.Commands.QueryICCID(r.Context(), id)
		writeResult(w, res, err)
	}
}

func (h *handlers) volume(w http.ResponseWriter, r *http.Request) {
	if id, ok := stationID(w, r); ok {
		res, err := h.deps.Commands.QueryVoiceVolume(r.Context(), id)
		writeResult(w, res, err)
	}
}

func (h *handlers) setVolume(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	var body struct {
		Level *int `json:"level"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, id, err)
		return
	}
	if body.Level == nil {
		writeError(w, id, fmt.Errorf("%w: level is required", errBadRequest))
		return
	}
	res, err := h.deps.Commands.SetVoiceVolume(r.Context(), id, *body.Level)
	writeResult(w, res, err)
}

func (h *handlers) serverAddress(w http.ResponseWriter, r *http.Request) {
	if id, ok := stationID(w, r); ok {
		res, err := h.deps.Commands.QueryServerAddress(r.Context(), id)
		writeResult(w, res, err)
	}
}

func (h *handlers) setServerAddress(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	var body protocol.ServerAddress
	if err := decode(r, &body); err != nil {
		writeError(w, id, err)
		return
	}
	res, err := h.deps.Commands.SetServerAddress(r.Context(), id, body)
	writeResult(w, res, err)
}

// restart drops the mirrored inventory; the station reports a fresh one when it logs in again.
func (h *handlers) restart(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	res, err := h.deps.Commands.Restart(r.Context(), id)
	if err == nil {
		h.deps.Inventories.Forget(id)
	}
	writeResult(w, res, err)
}

func (h *handlers) eject(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	var body struct {
		Slot int `json:"slot"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, id, err)
		return
	}
	res, err := h.deps.Commands.ForceEject(r.Context(), id, body.Slot)
	writeResult(w, res, err)
}

func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(w, r)
	if !ok {
		return
	}
	n := h.deps.Connections.CloseStation(id, "operator")
	h.logger.Info("station disconnected by operator", zap.Int64("station_id", id), zap.Int("sockets", n))
	writeJSON(w, http.StatusOK, commands.Result{
		Success:   n > 0,
		Message:   fmt.Sprintf("%d connections closed", n),
		StationID: id,
	})
}
