package session

// Well-known statuses reported by the backend. Others pass through as-is.
const (
	StatusActive = "active"
	StatusIdle   = "idle"
)

// Summary is the sidebar view of one backend agent session
type Summary struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
}

// Update is a full or partial push for one session. Nil fields are left
// untouched when merged.
type Update struct {
	Key    string  `json:"key"`
	Status *string `json:"status,omitempty"`
	Model  *string `json:"model,omitempty"`
}

// Group is a display bucket of sessions sharing a status
type Group struct {
	Status   string
	Sessions []Summary
}
