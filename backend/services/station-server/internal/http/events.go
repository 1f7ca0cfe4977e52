package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/auth"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/ws"
)

var errEventsToken = errors.New("a valid token is required")

// EventsIdentity authenticates event stream clients. Browsers cannot set headers on websocket
// upgrades, so the token may also come from the token query parameter. Admin and service
// tokens receive every event; user tokens only their own.
func EventsIdentity(v *auth.Verifier) ws.IdentifyFunc {
	return func(r *http.Request) (ws.Subscriber, error) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if token == "" {
			return ws.Subscriber{}, errEventsToken
		}
		claims, err := v.Verify(token)
		if err != nil {
			return ws.Subscriber{}, errEventsToken
		}
		sub := ws.Subscriber{UserID: claims.UserID}
		if claims.Role == auth.RoleAdmin || claims.Role == auth.RoleService {
			sub.All = true
		}
		return sub, nil
	}
}
