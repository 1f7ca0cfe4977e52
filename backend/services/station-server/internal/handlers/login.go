package handlers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/repository"
)

var newNonce = rand.Uint32

// NewLoginHandler authenticates a cabinet against its stored secret and promotes the socket.
func NewLoginHandler(d Deps) HandlerFunc {
	return func(ctx context.Context, conn *registry.StationConnection, frame protocol.Frame) (*Reply, error) {
		req, err := protocol.ParseLoginRequest(frame.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoginRejected, err)
		}
		log := d.Logger.With(zap.String("box_id", req.BoxID), zap.String("conn", conn.Key()))

		station, err := d.Stations.ByBoxID(ctx, req.BoxID)
		if errors.Is(err, repository.ErrNotFound) {
			if _, err := d.Stations.CreatePending(ctx, req.BoxID, int(req.SlotsNum)); err != nil {
				log.Error("register unknown station", zap.Error(err))
			} else {
				log.Info("unknown station registered as pending")
			}
			return nil, fmt.Errorf("%w: unknown box id %s", ErrLoginRejected, req.BoxID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: load station: %w", ErrLoginRejected, err)
		}
		if station.Status == models.StationPending {
			return nil, fmt.Errorf("%w: station %d is pending approval", ErrLoginRejected, station.ID)
		}
		if !station.HasSecret() {
			return nil, fmt.Errorf("%w: station %d: %w", ErrLoginRejected, station.ID, registry.ErrNoSecretKey)
		}

		secret := []byte(station.SecretKey)
		if err := frame.Authenticate(secret); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoginRejected, err)
		}
		if err := d.Registry.Promote(conn, req.BoxID, station.ID, secret); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoginRejected, err)
		}

		now := d.Now()
		if err := d.Stations.UpdateStatus(ctx, station.ID, models.StationActive); err != nil {
			log.Warn("failed to mark station active", zap.Int64("station_id", station.ID), zap.Error(err))
		}
		if err := d.Stations.UpdateLastSeen(ctx, station.ID, now); err != nil {
			log.Warn("failed to update last seen", zap.Int64("station_id", station.ID), zap.Error(err))
		}
		if err := d.Stations.UpdateRemainNum(ctx, station.ID, int(req.RemainNum)); err != nil {
			log.Warn("failed to update remain count", zap.Int64("station_id", station.ID), zap.Error(err))
		}
		d.Mirror.ApplyLogin(station.ID, req)

		log.Info("station logged in",
			zap.Int64("station_id", station.ID),
			zap.Int("slots", int(req.SlotsNum)),
			zap.Int("remain", int(req.RemainNum)),
			zap.String("remote", conn.RemoteAddr()))

		resp := protocol.LoginResponse{Nonce: newNonce(), Timestamp: uint32(now.Unix())}
		needICCID := station.ICCID == ""
		return &Reply{
			Payload: resp.Bytes(),
			After: func() {
				refreshInventory(d, conn)()
				if needICCID {
					if err := d.Commands.RequestICCID(conn); err != nil {
						log.Debug("iccid request not sent", zap.Error(err))
					}
				}
			},
		}, nil
	}
}
