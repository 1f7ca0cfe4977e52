package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events on <prefix>.<station_id>.events.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "stations"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject events of a station are published on.
func (p *NATSPublisher) Subject(stationID int64) string {
	return fmt.Sprintf("%s.%d.events", p.prefix, stationID)
}

// Send implements Sink.
func (p *NATSPublisher) Send(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(ev.StationID), data)
}
