package constants

import "time"

// Presence payloads published retained on the status topic.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Topic suffixes below <namespace>/<userId>.
const (
	StatusTopicSuffix = "status"
	DataTopicSuffix   = "data"
)

const (
	// OfflineAnnounceTimeout bounds the best-effort offline publish on shutdown.
	OfflineAnnounceTimeout = 1 * time.Second

	// DisconnectQuiesce is the paho quiesce time in milliseconds.
	DisconnectQuiesce = 250
)
