package channel

import "strings"

// Action kinds carried in Action.Data.
const (
	ActionAcknowledge = "ack"
	ActionCancel      = "cancel"
)

// EncodeAction builds Action.Data as "kind:arg:entryID". Telegram caps
// callback data at 64 bytes, which a UUID entry id fits comfortably.
func EncodeAction(kind, arg, entryID string) string {
	return kind + ":" + arg + ":" + entryID
}

// DecodeAction is the inverse of EncodeAction.
func DecodeAction(data string) (kind, arg, entryID string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", false
	}
	switch parts[0] {
	case ActionAcknowledge, ActionCancel:
		return parts[0], parts[1], parts[2], true
	}
	return "", "", "", false
}
