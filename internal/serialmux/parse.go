package serialmux

import "strings"

const (
	EventTypeAck     = "ack"
	EventTypeNak     = "nak"
	EventTypeRA      = "ra"
	EventTypeDEC     = "dec"
	EventTypeUnknown = "unknown"
)

// ClassifyPayload inspects an LX200 reply with its terminator removed and
// returns a simple event type token. Replies are classified by shape only,
// since the protocol does not echo the command.
func ClassifyPayload(payload string) string {
	p := strings.TrimSpace(payload)
	switch {
	case p == "1":
		return EventTypeAck
	case p == "0":
		return EventTypeNak
	case len(p) > 0 && (p[0] == '+' || p[0] == '-'):
		return EventTypeDEC
	case strings.Count(p, ":") == 2 || (strings.Count(p, ":") == 1 && strings.Contains(p, ".")):
		return EventTypeRA
	default:
		return EventTypeUnknown
	}
}
