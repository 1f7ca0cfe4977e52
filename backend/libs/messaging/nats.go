package messaging

import (
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultReconnectWait = 2 * time.Second
	defaultMaxReconnects = -1
)

// Options describe a NATS connection.
type Options struct {
	URL           string
	Name          string
	Username      string
	Password      string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Connect dials NATS with reconnect handling and lifecycle logging.
func Connect(opts Options, logger *zap.Logger) (*nats.Conn, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("messaging: nats url is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	wait := opts.ReconnectWait
	if wait <= 0 {
		wait = defaultReconnectWait
	}
	maxReconnects := opts.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = defaultMaxReconnects
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.ReconnectWait(wait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.Username, opts.Password))
	}

	return nats.Connect(url, natsOpts...)
}
