package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errMissingUser = errors.New("user_id is required")

// IdentifyFunc resolves the subscriber of an upgrade request.
type IdentifyFunc func(r *http.Request) (Subscriber, error)

// Server upgrades HTTP connections to event streams.
type Server struct {
	manager      *Manager
	identify     IdentifyFunc
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	ctx          context.Context
}

// NewServer builds ws server. Clients live until ctx is done. A nil identify reads the user_id
// query parameter.
func NewServer(ctx context.Context, manager *Manager, identify IdentifyFunc, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if identify == nil {
		identify = QueryIdentity
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		manager:      manager,
		identify:     identify,
		logger:       logger,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// QueryIdentity binds the client to the user_id query parameter.
func QueryIdentity(r *http.Request) (Subscriber, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || id <= 0 {
		return Subscriber{}, errMissingUser
	}
	return Subscriber{UserID: id}, nil
}

// HandleWS is HTTP handler for /ws/events endpoint.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	sub, err := s.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	connection := NewConnection(sub, conn, s.writeTimeout, s.logger, s.manager.Remove)
	s.manager.Add(connection)

	go connection.Start(s.ctx)
	s.logger.Info("event client connected", zap.Int64("user_id", sub.UserID), zap.Bool("all", sub.All))
}
