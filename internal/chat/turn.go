package chat

import "time"

// Role identifies who authored a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable transcript entry
type Turn struct {
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
}

// Time returns the turn timestamp as a time.Time
func (t Turn) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}
