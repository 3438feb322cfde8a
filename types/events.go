package types

import "time"

// EventType enumerates the fixed engine event taxonomy. Observers (the
// Telegram bot, the API collaborator) consume these; they never feed back
// into the engine.
type EventType string

const (
	EventTradeExecuted     EventType = "trade_executed"
	EventStopTriggered     EventType = "stop_triggered"
	EventSignalRejected    EventType = "signal_rejected"
	// Pause transitions share risk_halt; their Detail is prefixed with
	// the PAUSED state so observers can tell the two apart.
	EventRiskHalt          EventType = "risk_halt"
	EventRiskResumed       EventType = "risk_resumed"
	EventStrategyRollback  EventType = "strategy_rollback"
	EventScanComplete      EventType = "scan_complete"
	EventSystemOnline      EventType = "system_online"
	EventSystemShutdown    EventType = "system_shutdown"
	EventSystemError       EventType = "system_error"
	EventWebsocketFeedLost EventType = "websocket_feed_lost"
)

// Event is a best-effort notification. State is journaled before any
// event is emitted.
type Event struct {
	Type   EventType
	At     time.Time
	Symbol string
	Detail string
}
