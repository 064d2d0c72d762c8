package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
)

// EventUpdate carries backend-pushed session state
const EventUpdate = "sessions:update"

// Subscriber is anything inbound events can be registered on
type Subscriber interface {
	On(event string, h func(payload json.RawMessage))
}

// Bind feeds r from the sessions:update event on sub
func Bind(sub Subscriber, r *Registry, logger *slog.Logger) {
	sub.On(EventUpdate, func(payload json.RawMessage) {
		updates, err := DecodeUpdates(payload)
		if err != nil {
			logger.Warn("dropping malformed session update", "error", err)
			return
		}
		for _, u := range updates {
			if !r.Merge(u) {
				logger.Warn("dropping session update without key")
			}
		}
		logger.Debug("sessions updated", "count", len(updates), "total", r.Len())
	})
}

// DecodeUpdates accepts a single update object or an array of them
func DecodeUpdates(payload json.RawMessage) ([]Update, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '[' {
		var updates []Update
		if err := json.Unmarshal(trimmed, &updates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session updates: %w", err)
		}
		return updates, nil
	}

	var u Update
	if err := json.Unmarshal(trimmed, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session update: %w", err)
	}
	return []Update{u}, nil
}
