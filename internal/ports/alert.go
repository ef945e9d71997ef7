package ports

import "context"

// AlertKind distinguishes immediate (never queued) events from routine
// status updates subject to the rate limiter (spec §6).
type AlertKind int

const (
	AlertRoutine AlertKind = iota
	AlertImmediate
)

// Alert is one text-only notification. No markup depending on safe template
// expansion (spec §6).
type Alert struct {
	Kind AlertKind
	Text string
}

// AlertTransport delivers alerts to an operator-facing channel (console,
// Telegram). Immediate alerts bypass the sink's rate limiter; routine ones
// queue behind it.
type AlertTransport interface {
	Send(ctx context.Context, a Alert) error
}
