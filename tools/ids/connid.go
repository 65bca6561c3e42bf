package ids

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateConnID returns a new connection id, unique within the process
// lifetime and safe to embed in log lines and wire frames.
func GenerateConnID() string {
	return "c-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// GenerateEventID returns an id for server-built events (acks, notifications).
func GenerateEventID() string {
	return uuid.NewString()
}
