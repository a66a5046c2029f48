package events

import "github.com/rs/zerolog"

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(ev Event) {
	e := s.Logger.Info()
	if ev.Kind == KindDeliveryFailed || ev.Kind == KindTransferAborted {
		e = s.Logger.Warn()
	}
	e = e.Str("event", string(ev.Kind)).Str("event_id", ev.ID)
	if ev.Addr != "" {
		e = e.Str("addr", ev.Addr)
	}
	if ev.MessageID != 0 {
		e = e.Uint16("message_id", ev.MessageID)
	}
	if ev.Resource != "" {
		e = e.Str("resource", ev.Resource)
	}
	if ev.Transfer != "" {
		e = e.Str("transfer", ev.Transfer)
	}
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	e.Msg("protocol event")
}
