// Package identity manages the local visitor identity: one opaque id generated
// on first use and kept for as long as the client's store lives.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gkobilansky/abkit/internal/store"
)

// SettingKey is the settings key the visitor id is stored under.
const SettingKey = "visitor_id"

// Current returns the persisted visitor id, creating it if absent. A stored
// value that cannot be read is treated as absent.
func Current(ctx context.Context, settings store.Settings) (string, error) {
	id, err := settings.GetSetting(ctx, SettingKey)
	if err == nil && id != "" {
		return id, nil
	}

	// Missing, empty and unreadable state all start a new visitor.
	id = uuid.NewString()
	if err := settings.SetSetting(ctx, SettingKey, id); err != nil {
		return "", fmt.Errorf("failed to persist visitor id: %w", err)
	}
	return id, nil
}
