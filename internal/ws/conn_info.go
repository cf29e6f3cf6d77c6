package ws

import "time"

// ConnInfo describes one live websocket connection for lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
