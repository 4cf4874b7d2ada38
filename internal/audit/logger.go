package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionProposed   EventType = "session_proposed"
	EventSessionApproved   EventType = "session_approved"
	EventSessionRejected   EventType = "session_rejected"
	EventSessionRestored   EventType = "session_restored"
	EventSessionCleared    EventType = "session_cleared"
	EventSessionDisconnect EventType = "session_disconnect"
	EventTransactionSent   EventType = "transaction_sent"
	EventSignalConnect     EventType = "signal_connect"
	EventSignalDisconnect  EventType = "signal_disconnect"
	EventSignalReconnect   EventType = "signal_reconnect"
	EventSignalExhausted   EventType = "signal_exhausted"
	EventAuthRefresh       EventType = "auth_refresh"
)

type Event struct {
	Type     EventType
	Topic    string
	Address  string
	Endpoint string
	Details  map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "connectivity").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.Topic != "" {
		logger = logger.With().Str("topic", event.Topic).Logger()
	}
	if event.Address != "" {
		logger = logger.With().Str("address", event.Address).Logger()
	}
	if event.Endpoint != "" {
		logger = logger.With().Str("endpoint", event.Endpoint).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("connectivity audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}
