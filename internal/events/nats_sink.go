package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NATSSink publishes events as JSON onto a subject tree rooted at
// Prefix, one leaf per event kind. Publish errors are logged and
// dropped so the poll loop never stalls on the broker.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

func NewNATSSink(url, prefix string, logger zerolog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	if prefix == "" {
		prefix = "coapfs.events"
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}, nil
}

func (s *NATSSink) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode event")
		return
	}
	subject := s.prefix + "." + string(ev.Kind)
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

func (s *NATSSink) Close() {
	s.conn.Drain()
}
