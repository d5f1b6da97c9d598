// Package util provides small helpers shared across OrderPipe components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// NotificationIDPrefix marks outbox notification ids.
const NotificationIDPrefix = "ntf_"

// GenerateNotificationID returns "ntf_" followed by 32 hex characters.
func GenerateNotificationID() string {
	return NotificationIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
