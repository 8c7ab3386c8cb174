package sync

import "time"

const (
	EventWelcome        = "welcome"
	EventLibraryChanged = "library.changed"
)

// LibraryEvent tells a user's devices that their library changed. DeviceID
// is the device that pushed, so it can ignore its own echo.
type LibraryEvent struct {
	Type     string    `json:"type"`
	UserID   string    `json:"user_id"`
	DeviceID string    `json:"device_id,omitempty"`
	Entries  int       `json:"entries"`
	Lists    int       `json:"lists"`
	At       time.Time `json:"at"`
}
