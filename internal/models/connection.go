package models

// ConnState represents the state of the platform stream connection.
// Not persisted - the connection is torn down and recreated wholesale
// on logout/login or owner change.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)
