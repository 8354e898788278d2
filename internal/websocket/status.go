package websocket

// Status is the lifecycle state of the realtime connection.
type Status string

const (
	StatusNotInitialized  Status = "not_initialized"
	StatusConnecting      Status = "connecting"
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
	StatusReconnecting    Status = "reconnecting"
	StatusReconnectFailed Status = "reconnect_failed"
)

// Active reports whether the manager is connected or trying to be.
func (s Status) Active() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		return true
	}
	return false
}
