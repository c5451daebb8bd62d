package notification

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/models"
)

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NatsNotifier publishes each event as JSON on <prefix>.<event>.
type NatsNotifier struct {
	pub    Publisher
	prefix string
}

func NewNatsNotifier(pub Publisher, subjectPrefix string) *NatsNotifier {
	return &NatsNotifier{pub: pub, prefix: strings.TrimSuffix(subjectPrefix, ".")}
}

// ConnectNats dials url and logs connection state changes.
func ConnectNats(url string, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Logger()
	conn, err := nats.Connect(
		url,
		nats.Name("stratum-relocator"),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to nats")
	}
	return conn, nil
}

func (n *NatsNotifier) Subject(event models.NotificationEvent) string {
	if n.prefix == "" {
		return string(event)
	}
	return n.prefix + "." + string(event)
}

func (n *NatsNotifier) Notify(_ context.Context, notif models.Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	return n.pub.Publish(n.Subject(notif.EventType), body)
}

func (n *NatsNotifier) String() string {
	return "nats"
}
